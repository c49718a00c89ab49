package resourcelimits

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// CycleCallback observes every finished cycle, outside the manager lock
type CycleCallback func(report *CycleReport)

// MonitorConfig tunes the accounting loop
type MonitorConfig struct {
	// DisplayEvery logs the usage table every that many cycles, 0 disables it
	DisplayEvery int
}

// Monitor drives the accounting cycle and the ledger check on every tick.
// The lock guards the manager and is shared with the request handlers.
type Monitor struct {
	manager *ResourceManager
	lock    sync.Locker
	config  MonitorConfig
	logger  logging.Logger

	// consecutive failed snapshots, guarded by lock
	snapshotFailures int

	mutex         sync.RWMutex
	isRunning     bool
	lastReport    *CycleReport
	cycleCallback CycleCallback
}

func NewMonitor(manager *ResourceManager, lock sync.Locker, config MonitorConfig, logger logging.Logger) *Monitor {
	return &Monitor{
		manager: manager,
		lock:    lock,
		config:  config,
		logger:  logger,
	}
}

func (m *Monitor) SetCycleCallback(callback CycleCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cycleCallback = callback
}

// LastReport returns the report of the latest successful cycle
func (m *Monitor) LastReport() *CycleReport {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.lastReport
}

// Run blocks until ctx is cancelled or a cycle fails fatally
func (m *Monitor) Run(ctx context.Context) error {
	m.mutex.Lock()
	if m.isRunning {
		m.mutex.Unlock()
		return errors.NewValidationError("accounting monitor is already running", nil)
	}
	m.isRunning = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.isRunning = false
		m.mutex.Unlock()
	}()

	interval := m.manager.RefreshInterval()
	m.logger.Infof("Starting accounting loop, interval: %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Infof("Accounting loop stopped after %d cycles", m.manager.Cycles())
			return nil

		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one cycle and one ledger check under the lock.
// Only a panic is fatal; telemetry and ledger errors are logged and retried next tick.
func (m *Monitor) Tick(ctx context.Context) (err error) {
	report, display := m.lockedCycle(ctx, &err)
	if err != nil {
		return err
	}

	if display != "" {
		m.logger.Infof("Usage since last flush:\n%s", display)
	}

	if report == nil {
		return nil
	}

	m.mutex.Lock()
	m.lastReport = report
	callback := m.cycleCallback
	m.mutex.Unlock()

	if callback != nil {
		callback(report)
	}
	return nil
}

func (m *Monitor) lockedCycle(ctx context.Context, fatal *error) (report *CycleReport, display string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Accounting cycle panicked: %v\n%s", r, debug.Stack())
			*fatal = errors.NewInternalError("accounting cycle panicked", fmt.Errorf("%v", r))
			report = nil
		}
	}()

	report, err := m.manager.MonitorUpdate(ctx)
	switch {
	case err != nil:
		m.snapshotFailures++
		if m.snapshotFailures == 1 {
			m.logger.Warnf("Skipping cycle, telemetry failed: %v", err)
		} else {
			m.logger.Debugf("Skipping cycle, telemetry failed %d times in a row: %v", m.snapshotFailures, err)
		}
	case m.snapshotFailures > 0:
		m.logger.Infof("Telemetry recovered after %d failed cycles", m.snapshotFailures)
		m.snapshotFailures = 0
	}

	if _, err := m.manager.LogUpdate(); err != nil {
		m.logger.Errorf("Failed to flush usage ledger: %v", err)
	}

	if report != nil && m.config.DisplayEvery > 0 && m.manager.Cycles()%uint64(m.config.DisplayEvery) == 0 {
		display = m.manager.DisplayUpdate()
	}
	return report, display
}
