package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQuery(t *testing.T) {
	s := openTestStore(t)
	s.Record("op-1", "device.read", `{"tool":"device.read"}`, `{"value":42}`, 0, 3*time.Millisecond)
	s.Record("op-1", "system.log", `{"tool":"system.log"}`, `{}`, 0, time.Millisecond)
	s.Record("op-2", "device.read", `{"tool":"device.read"}`, `{"error":true}`, 4, 2*time.Millisecond)

	byOp, err := s.GetByOpID("op-1")
	require.NoError(t, err)
	require.Len(t, byOp, 2)
	require.Equal(t, "device.read", byOp[0].Tool)
	require.Equal(t, "system.log", byOp[1].Tool)
	require.Equal(t, int64(3), byOp[0].DurationMs)
	require.Equal(t, len(`{"value":42}`), byOp[0].ResultSize)

	recent, err := s.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, "op-2", recent[0].OpID, "newest first")

	byTool, err := s.GetRecentByTool("device.read", 10)
	require.NoError(t, err)
	require.Len(t, byTool, 2)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	s.Record("op-1", "a", "", "{}", 0, time.Millisecond)
	s.Record("op-2", "a", "", "{}", 0, time.Millisecond)
	s.Record("op-3", "b", "", `{"error":true}`, 4, time.Millisecond)

	stats, err := s.GetStats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalExecutions)
	require.Equal(t, 2, stats.SuccessCount)
	require.Equal(t, 1, stats.FailureCount)
	require.Equal(t, map[string]int{"a": 2, "b": 1}, stats.ToolBreakdown)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		s.Record("op", "a", "", "{}", 0, time.Millisecond)
	}
	require.NoError(t, s.Prune(3))

	recent, err := s.GetRecent(100)
	require.NoError(t, err)
	require.Len(t, recent, 3)
}
