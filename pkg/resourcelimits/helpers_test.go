package resourcelimits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/core-tools/hsu-governor/pkg/logging"
)

type MockTelemetrySource struct {
	mock.Mock
}

func (m *MockTelemetrySource) Snapshot(ctx context.Context) (map[uint32][]ProcessSnapshot, error) {
	args := m.Called(ctx)
	processes, _ := args.Get(0).(map[uint32][]ProcessSnapshot)
	return processes, args.Error(1)
}

func (m *MockTelemetrySource) Terminate(pid int32) error {
	args := m.Called(pid)
	return args.Error(0)
}

// memLedger keeps backups in memory and flushes on demand
type memLedger struct {
	mutex     sync.Mutex
	backups   map[uint32]UsageBackup
	nextFlush time.Time
	due       bool
	flushes   []map[uint32]UsageBackup
	flushErr  error
}

func newMemLedger() *memLedger {
	return &memLedger{
		backups:   make(map[uint32]UsageBackup),
		nextFlush: time.Date(2026, 10, 18, 23, 59, 59, 0, time.Local),
	}
}

func (l *memLedger) Record(uid uint32, name string, delta Usage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	backup := l.backups[uid]
	backup.Name = name
	backup.Usage.Add(delta)
	l.backups[uid] = backup
}

func (l *memLedger) Backups() map[uint32]UsageBackup {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	copied := make(map[uint32]UsageBackup, len(l.backups))
	for uid, backup := range l.backups {
		copied[uid] = backup
	}
	return copied
}

func (l *memLedger) NextFlush() time.Time {
	return l.nextFlush
}

func (l *memLedger) Flush() (string, error) {
	if l.flushErr != nil {
		return "", l.flushErr
	}
	if !l.due {
		return "", nil
	}
	l.flushes = append(l.flushes, l.Backups())
	for uid, backup := range l.backups {
		backup.Usage.Reset()
		l.backups[uid] = backup
	}
	l.due = false
	l.nextFlush = l.nextFlush.AddDate(0, 0, 1)
	return "memory", nil
}

// fakeClock advances by step on every read
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

const (
	uidAlice uint32 = 1000
	uidBob   uint32 = 1001
)

func testAccounts() []UserAccount {
	return []UserAccount{
		{UID: 0, Name: "root"},
		{UID: uidAlice, Name: "alice"},
		{UID: uidBob, Name: "bob"},
	}
}

// smallRule has a one-minute CPU budget and a GPU budget that never runs out in tests
func smallRule() Rule {
	return Rule{
		Name:                "small",
		Priority:            1,
		MaxCPUCoreMinutes:   1,
		MaxCPUMemoryMB:      2048,
		MaxGPUDeviceMinutes: 1000,
		MaxGPUMemoryMB:      1,
	}
}

func testManager(source TelemetrySource, ledger UsageLedger, mutate func(*ManagerConfig)) (*ResourceManager, error) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.Local), step: time.Millisecond}
	config := ManagerConfig{
		Accounts:           testAccounts(),
		Users:              []UserRules{{Name: "alice", Rules: []Rule{smallRule()}}},
		RefreshInterval:    time.Second,
		NoMatchPolicy:      NoMatchPolicyKill,
		EnforceTimeBudgets: true,
		GCMissedCycles:     3,
		Now:                clock.Now,
	}
	if mutate != nil {
		mutate(&config)
	}
	return NewResourceManager(config, source, ledger, logging.NewNopLogger())
}

func process(pid int32, cpu float64, memMB uint64) ProcessSnapshot {
	return ProcessSnapshot{
		PID:         pid,
		Cmdline:     []string{"python", "train.py"},
		CPUUsage:    cpu,
		CPUMemoryMB: memMB,
	}
}

// recordingLogger keeps every formatted message by level
type recordingLogger struct {
	mutex    sync.Mutex
	messages map[int][]string
}

func newRecordingLogger() (*recordingLogger, logging.Logger) {
	r := &recordingLogger{messages: make(map[int][]string)}
	return r, logging.NewLogger("", logging.LogFuncs{LogLevelf: r.logLevelf})
}

func (r *recordingLogger) logLevelf(level int, format string, args ...interface{}) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages[level] = append(r.messages[level], fmt.Sprintf(format, args...))
}

func (r *recordingLogger) at(level int) []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.messages[level]...)
}
