package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T, clock *testClock) (*Ledger, string) {
	dir := filepath.Join(t.TempDir(), "nested", "ledger")
	return New(dir, logging.NewNopLogger(), WithClock(clock.Now)), dir
}

func TestNew_FirstFlushAtEndOfDay(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 9, 30, 0, 0, time.Local)}
	l, _ := newTestLedger(t, clock)

	assert.Equal(t, time.Date(2026, 10, 18, 23, 59, 59, 0, time.Local), l.NextFlush())
	assert.False(t, l.ShouldLog())
}

func TestLedger_RecordAccumulates(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 9, 30, 0, 0, time.Local)}
	l, _ := newTestLedger(t, clock)

	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 1.5, CPUMemoryTime: 100})
	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 0.5, GPUDeviceTime: 2, GPUMemoryTime: 10})
	l.Record(0, "root", resourcelimits.Usage{})

	backups := l.Backups()
	require.Len(t, backups, 2)
	assert.Equal(t, "alice", backups[1000].Name)
	assert.InDelta(t, 2.0, backups[1000].CPUCoreTime, 1e-9)
	assert.InDelta(t, 100.0, backups[1000].CPUMemoryTime, 1e-9)
	assert.InDelta(t, 2.0, backups[1000].GPUDeviceTime, 1e-9)
	assert.InDelta(t, 10.0, backups[1000].GPUMemoryTime, 1e-9)

	// returned map is a copy
	backups[1000] = resourcelimits.UsageBackup{}
	assert.InDelta(t, 2.0, l.Backups()[1000].CPUCoreTime, 1e-9)
}

func TestLedger_FlushNotDue(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 23, 59, 59, 0, time.Local)}
	l, dir := newTestLedger(t, clock)
	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 1})

	path, err := l.Flush()
	require.NoError(t, err)
	assert.Empty(t, path, "flush requires now strictly after next flush")
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "directory is only created on flush")
	assert.InDelta(t, 1.0, l.Backups()[1000].CPUCoreTime, 1e-9)
}

func TestLedger_FlushWritesResetsAndAdvances(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)}
	l, dir := newTestLedger(t, clock)
	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 90, CPUMemoryTime: 6000})
	l.Record(1001, "bob", resourcelimits.Usage{GPUDeviceTime: 30})

	clock.now = time.Date(2026, 10, 19, 0, 0, 5, 0, time.Local)
	require.True(t, l.ShouldLog())

	path, err := l.Flush()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-10-19_00:00"), path)

	written, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, "alice", written[1000].Name)
	assert.InDelta(t, 90.0, written[1000].CPUCoreTime, 1e-9)
	assert.InDelta(t, 6000.0, written[1000].CPUMemoryTime, 1e-9)
	assert.InDelta(t, 30.0, written[1001].GPUDeviceTime, 1e-9)

	backups := l.Backups()
	assert.Equal(t, resourcelimits.Usage{}, backups[1000].Usage)
	assert.Equal(t, "alice", backups[1000].Name, "names survive the reset")
	assert.Equal(t, time.Date(2026, 10, 19, 23, 59, 59, 0, time.Local), l.NextFlush())
}

func TestLedger_SecondCheckSameIntervalIsNoop(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)}
	l, dir := newTestLedger(t, clock)
	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 5})

	clock.now = time.Date(2026, 10, 19, 0, 1, 0, 0, time.Local)
	first, err := l.Flush()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 3})
	clock.now = clock.now.Add(time.Hour)
	second, err := l.Flush()
	require.NoError(t, err)
	assert.Empty(t, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.InDelta(t, 3.0, l.Backups()[1000].CPUCoreTime, 1e-9)
}

func TestLedger_FlushNeverOverwrites(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)}
	dir := t.TempDir()
	l := New(dir, logging.NewNopLogger(),
		WithClock(clock.Now),
		WithNextFlush(time.Date(2026, 10, 16, 23, 59, 59, 0, time.Local)))

	first, err := l.Flush()
	require.NoError(t, err)
	second, err := l.Flush()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2026-10-18_12:00"), first)
	assert.Equal(t, filepath.Join(dir, "2026-10-18_12:00.1"), second)
	assert.Equal(t, time.Date(2026, 10, 18, 23, 59, 59, 0, time.Local), l.NextFlush())
}

func TestLedger_FlushDirectoryError(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	clock := &testClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)}
	l := New(filepath.Join(blocker, "ledger"), logging.NewNopLogger(),
		WithClock(clock.Now),
		WithNextFlush(clock.now.Add(-time.Second)))
	l.Record(1000, "alice", resourcelimits.Usage{CPUCoreTime: 1})

	_, err := l.Flush()
	assert.True(t, errors.IsIOError(err))
	assert.InDelta(t, 1.0, l.Backups()[1000].CPUCoreTime, 1e-9, "backups are kept for the retry")
	assert.True(t, l.ShouldLog())
}

func TestReadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := ReadFile(path)
	assert.True(t, errors.IsValidationError(err))

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.IsIOError(err))
}

func TestEndOfDay(t *testing.T) {
	loc := time.FixedZone("test", 3*3600)
	assert.Equal(t,
		time.Date(2026, 2, 28, 23, 59, 59, 0, loc),
		EndOfDay(time.Date(2026, 2, 28, 0, 0, 1, 500, loc)))
}
