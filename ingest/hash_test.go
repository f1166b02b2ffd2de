package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDigest_KnownValueAndChange(t *testing.T) {
	p := filepath.Join(t.TempDir(), "abc.txt")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	d1, err := FileDigest(p)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d1)

	again, err := FileDigest(p)
	require.NoError(t, err)
	assert.Equal(t, d1, again)

	require.NoError(t, os.WriteFile(p, []byte("abd"), 0o644))
	d2, err := FileDigest(p)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
	assert.Len(t, d2, 64)
}

func TestFileDigest_MissingFileIsAnError(t *testing.T) {
	_, err := FileDigest(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecordDigest_CanonicalForm(t *testing.T) {
	d := day(2023, time.January, 1)
	base := RecordDigest("USC001", d, Present(289), Present(178), Present(25))
	assert.Len(t, base, 64)
	assert.Equal(t, base, RecordDigest("USC001", d, Present(289), Present(178), Present(25)))

	// Time of day does not matter.
	assert.Equal(t, base, RecordDigest("USC001", d.Add(13*time.Hour), Present(289), Present(178), Present(25)))

	variants := map[string]string{
		"station": RecordDigest("USC002", d, Present(289), Present(178), Present(25)),
		"date":    RecordDigest("USC001", d.AddDate(0, 0, 1), Present(289), Present(178), Present(25)),
		"max":     RecordDigest("USC001", d, Present(290), Present(178), Present(25)),
		"min":     RecordDigest("USC001", d, Present(289), Present(177), Present(25)),
		"precip":  RecordDigest("USC001", d, Present(289), Present(178), Present(26)),
	}
	for field, v := range variants {
		assert.NotEqual(t, base, v, field)
	}
}

func TestRecordDigest_MissingIsNotZero(t *testing.T) {
	d := day(2023, time.June, 15)
	zero := RecordDigest("S", d, Present(0), Present(0), Present(0))
	missing := RecordDigest("S", d, Missing(), Present(0), Present(0))
	assert.NotEqual(t, zero, missing)
	assert.Equal(t, missing, RecordDigest("S", d, MeasurementFromPtr(nil), Present(0), Present(0)))
}

func TestCandidateDigestMatchesPersistedRow(t *testing.T) {
	c := Candidate{StationID: "S", Date: day(2020, time.March, 3), MaxTemp: Present(10), MinTemp: Missing(), Precipitation: Present(0)}
	obs := c.toObservation()
	assert.Equal(t, c.Digest(), obs.Digest())
	assert.Nil(t, obs.MinTemp)
}

func TestValidateStationID(t *testing.T) {
	require.NoError(t, ValidateStationID("USC00110072"))
	for _, id := range []string{"", "A|B", "A\tB", "USC00110072USC00110072"} {
		assert.ErrorIs(t, ValidateStationID(id), ErrBadStationID, id)
	}
}
