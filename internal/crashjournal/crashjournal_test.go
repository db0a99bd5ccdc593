package crashjournal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendTrimsToMaxRecords(t *testing.T) {
	j := New(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < MaxRecords+10; i++ {
		require.NoError(t, j.Append("id1", Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			ID:        "id1",
			ExitCode:  1,
		}))
	}
	records, err := j.Records("id1")
	require.NoError(t, err)
	require.Len(t, records, MaxRecords)
	// Oldest 10 must have been dropped.
	require.Equal(t, base.Add(10*time.Second), records[0].Timestamp)
}

func TestRecordsMissingIDReturnsEmpty(t *testing.T) {
	j := New(t.TempDir())
	records, err := j.Records("nope")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestStatsComputesAggregates(t *testing.T) {
	j := New(t.TempDir())
	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

	require.NoError(t, j.Append("id1", Record{Timestamp: now.Add(-90 * time.Second), ExitCode: 1, UptimeMs: 1000}))
	require.NoError(t, j.Append("id1", Record{Timestamp: now.Add(-10 * time.Second), ExitCode: 1, UptimeMs: 2000}))
	require.NoError(t, j.Append("id1", Record{Timestamp: now.Add(-5 * time.Second), ExitCode: 2, UptimeMs: 3000}))

	stats, err := j.Stats("id1", now)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.LastMinute)
	require.Equal(t, 1, stats.ModalExit)
	require.InDelta(t, 2000.0, stats.MeanUptimeMs, 0.001)
	require.Len(t, stats.Tail, 3)
}

func TestStatsEmptyJournal(t *testing.T) {
	j := New(t.TempDir())
	stats, err := j.Stats("nope", time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Total)
}
