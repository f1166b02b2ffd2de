package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MissingSentinel is the value flat files use for "no observation".
const MissingSentinel = -9999

// DateLayout is the canonical date rendering used for hashing and logs.
const DateLayout = "2006-01-02"

// Measurement is an optional observation value in tenths of a unit.
// The zero value is Missing.
type Measurement struct {
	value int
	valid bool
}

func Present(v int) Measurement { return Measurement{value: v, valid: true} }

func Missing() Measurement { return Measurement{} }

// MeasurementFromPtr maps a nullable column value to a Measurement.
func MeasurementFromPtr(p *int) Measurement {
	if p == nil {
		return Missing()
	}
	return Present(*p)
}

func (m Measurement) Get() (int, bool) { return m.value, m.valid }

func (m Measurement) IsMissing() bool { return !m.valid }

// Ptr returns a copy of the value suitable for a nullable column.
func (m Measurement) Ptr() *int {
	if !m.valid {
		return nil
	}
	v := m.value
	return &v
}

func (m Measurement) String() string {
	if !m.valid {
		return missingToken
	}
	return strconv.Itoa(m.value)
}

// Candidate is one parsed observation that has not been written yet.
type Candidate struct {
	StationID     string
	Date          time.Time
	MaxTemp       Measurement
	MinTemp       Measurement
	Precipitation Measurement
	// Line is the 1-based source line, zero when unknown.
	Line int
}

func (c Candidate) Digest() string {
	return RecordDigest(c.StationID, c.Date, c.MaxTemp, c.MinTemp, c.Precipitation)
}

func (c Candidate) Key() ObservationKey {
	return ObservationKey{StationID: c.StationID, Date: NormalizeDate(c.Date)}
}

func (c Candidate) toObservation() DailyWeather {
	return DailyWeather{
		StationID:     c.StationID,
		Date:          NormalizeDate(c.Date),
		MaxTemp:       c.MaxTemp.Ptr(),
		MinTemp:       c.MinTemp.Ptr(),
		Precipitation: c.Precipitation.Ptr(),
	}
}

// ObservationKey is the natural unique key of a daily observation.
type ObservationKey struct {
	StationID string
	Date      time.Time
}

// maxStationIDLen matches the station_id column size.
const maxStationIDLen = 20

// ValidateStationID rejects ids that cannot be stored or that contain the
// record digest field separator.
func ValidateStationID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrBadStationID)
	case len(id) > maxStationIDLen:
		return fmt.Errorf("%w: %q longer than %d bytes", ErrBadStationID, id, maxStationIDLen)
	case strings.ContainsAny(id, "|\t\n"):
		return fmt.Errorf("%w: %q contains a separator", ErrBadStationID, id)
	}
	return nil
}

// NormalizeDate truncates t to midnight UTC of its calendar day.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
