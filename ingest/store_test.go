package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakIntoBatches(t *testing.T) {
	assert.Empty(t, BreakIntoBatches([]int{}, 3))
	got := BreakIntoBatches([]int{1, 2, 3, 4, 5, 6, 7}, 3)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, got)
	assert.Len(t, BreakIntoBatches([]int{1, 2}, 0), 2)
}

func TestOpenDB_EmptyDSN(t *testing.T) {
	_, err := OpenDB("  ")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInsertObservations_IgnoresExistingKeys(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, EnsureStation(ctx, db, "S1"))
	require.NoError(t, EnsureStation(ctx, db, "S1"))

	cands := makeCandidates("S1", 3)
	cands[1].Precipitation = Missing()
	require.NoError(t, InsertObservations(ctx, db, cands))
	require.NoError(t, InsertObservations(ctx, db, cands))

	n, err := CountObservations(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := LoadObservations(ctx, db, []ObservationKey{cands[1].Key(), cands[2].Key()})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Precipitation)
	assert.Equal(t, cands[1].Date, NormalizeDate(rows[0].Date))
	assert.Equal(t, cands[2].Digest(), rows[1].Digest())
}

func TestStationForeignKey_PointsFromObservations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var parents []string
	require.NoError(t, db.Raw(`SELECT "table" FROM pragma_foreign_key_list('daily_weather')`).Scan(&parents).Error)
	assert.Equal(t, []string{"weather_stations"}, parents)
	var stationRefs int
	require.NoError(t, db.Raw(`SELECT count(*) FROM pragma_foreign_key_list('weather_stations')`).Scan(&stationRefs).Error)
	assert.Zero(t, stationRefs)

	require.NoError(t, EnsureStation(ctx, db, "S1"))
	require.NoError(t, InsertObservations(ctx, db, makeCandidates("S1", 3)))
	assert.Error(t, InsertObservations(ctx, db, makeCandidates("NOSTATION", 1)))

	require.NoError(t, db.Where("station_id = ?", "S1").Delete(&WeatherStation{}).Error)
	n, err := CountObservations(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteObservations_Scope(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, EnsureStation(ctx, db, "S1"))
	cands := []Candidate{
		{StationID: "S1", Date: day(2022, time.December, 31), MaxTemp: Present(1)},
		{StationID: "S1", Date: day(2023, time.January, 1), MaxTemp: Present(2)},
		{StationID: "S1", Date: day(2023, time.December, 31), MaxTemp: Present(3)},
		{StationID: "S1", Date: day(2024, time.January, 1), MaxTemp: Present(4)},
	}
	require.NoError(t, InsertObservations(ctx, db, cands))

	n, err := DeleteObservations(ctx, db, ResetScope{Year: 2023})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = DeleteObservations(ctx, db, ResetScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "all", ResetScope{}.String())
	assert.Equal(t, "station=S1 year=2023", ResetScope{StationID: "S1", Year: 2023}.String())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("WX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL store test: WX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := OpenDB(dsn)
	require.NoError(t, err)
	defer CloseDB(db)

	station := "PGT" + time.Now().UTC().Format("150405")
	s := NewIdempotencyStore(db, IdempotencyOptions{EnableFileChecksum: true, EnableRecordChecksum: true, AllowReset: true}, zap.NewNop())
	t.Cleanup(func() { _, _ = s.ResetScoped(ctx, ResetScope{StationID: station}) })

	cands := makeCandidates(station, 5)
	require.NoError(t, EnsureStation(ctx, db, station))
	require.NoError(t, InsertObservations(ctx, db, cands))
	require.NoError(t, InsertObservations(ctx, db, cands))

	keys := make([]ObservationKey, len(cands))
	for i, c := range cands {
		keys[i] = c.Key()
	}
	n, err := s.RecordChecksumsFor(ctx, keys, "pg.txt")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	kept, dups, err := s.FilterDuplicates(ctx, cands)
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Equal(t, 5, dups)
}
