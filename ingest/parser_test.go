package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parseAll(t *testing.T, path, station string) ([]Candidate, ParseSummary, error) {
	t.Helper()
	var got []Candidate
	sum, err := NewFlatFileParser(zap.NewNop()).Parse(context.Background(), path, station, func(c Candidate) error {
		got = append(got, c)
		return nil
	})
	return got, sum, err
}

func TestFlatFileParser_ValidAndMissing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "USC001.txt")
	writeFile(t, p,
		"20230101\t289\t178\t25",
		"",
		"20230615\t-9999\t178\t-9999",
		"20231231\t0\t-200\t-9999",
	)

	got, sum, err := parseAll(t, p, "USC001")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, sum.TotalLines)
	assert.Equal(t, 3, sum.Emitted)
	assert.Empty(t, sum.Rejected)

	assert.Equal(t, "USC001", got[0].StationID)
	assert.Equal(t, day(2023, time.January, 1), got[0].Date)
	assert.Equal(t, Present(289), got[0].MaxTemp)
	assert.Equal(t, Present(25), got[0].Precipitation)
	assert.Equal(t, 1, got[0].Line)

	assert.True(t, got[1].MaxTemp.IsMissing())
	assert.Equal(t, Present(178), got[1].MinTemp)
	assert.True(t, got[1].Precipitation.IsMissing())
	assert.Equal(t, 3, got[1].Line)

	assert.Equal(t, Present(0), got[2].MaxTemp)
	assert.Equal(t, Present(-200), got[2].MinTemp)
}

func TestFlatFileParser_Rejects(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.txt")
	writeFile(t, p,
		"20230101\t289\t178",
		"2023-01-02\t289\t178\t0",
		"20230103\t100\t200\t0",
		"20230104\t100\t50\t0",
	)

	got, sum, err := parseAll(t, p, "S")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, sum.TotalLines)
	require.Len(t, sum.Rejected, 3)
	assert.Equal(t, 1, sum.Rejected[0].Line)
	assert.Contains(t, sum.Rejected[0].Reason, "expected 4 fields")
	assert.Contains(t, sum.Rejected[1].Reason, "invalid date")
	assert.Contains(t, sum.Rejected[2].Reason, "max temp")
}

func TestFlatFileParser_CoercedValuesWarn(t *testing.T) {
	p := filepath.Join(t.TempDir(), "warn.txt")
	writeFile(t, p,
		"20230101\tabc\t10\t5",
		"20230102\t20\t10\t-3",
	)

	got, sum, err := parseAll(t, p, "S")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].MaxTemp.IsMissing())
	assert.True(t, got[1].Precipitation.IsMissing())
	require.Len(t, sum.Warnings, 2)
	assert.Contains(t, sum.Warnings[0].Reason, "invalid max_temp")
	assert.Contains(t, sum.Warnings[1].Reason, "negative precipitation")
}

func TestFlatFileParser_Gzip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "USC009.txt.gz")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("20230101\t289\t178\t25\n20230102\t295\t185\t0\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	got, sum, err := parseAll(t, p, StationIDFromPath(p))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Emitted)
	require.Len(t, got, 2)
	assert.Equal(t, "USC009", got[1].StationID)
}

func TestFlatFileParser_EmitErrorStops(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.txt")
	writeFile(t, p, "20230101\t1\t0\t0", "20230102\t1\t0\t0")
	stop := assert.AnError
	n := 0
	_, err := NewFlatFileParser(nil).Parse(context.Background(), p, "S", func(Candidate) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestStationIDFromPath(t *testing.T) {
	assert.Equal(t, "USC00110072", StationIDFromPath("/data/wx/USC00110072.txt"))
	assert.Equal(t, "USC00110072", StationIDFromPath("USC00110072.txt.gz"))
	assert.Equal(t, "plain", StationIDFromPath("dir/plain"))
}
