package governor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-governor/pkg/control"
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/ledger"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/metrics"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

// GovernorState represents the lifecycle of a governor
type GovernorState string

const (
	// GovernorStateNotStarted is the initial state before Run() is called
	GovernorStateNotStarted GovernorState = "not_started"

	// GovernorStateRunning means the accounting loop and the control server are up
	GovernorStateRunning GovernorState = "running"

	// GovernorStateStopping means Run's context is done and the goroutines are draining
	GovernorStateStopping GovernorState = "stopping"

	// GovernorStateStopped means Run has returned
	GovernorStateStopped GovernorState = "stopped"
)

// Governor wires the accounting engine, the ledger, the control server and the metrics together.
// lock is the single mutex guarding the resource manager; the accounting loop and every
// control request take it.
type Governor struct {
	config  *GovernorConfig
	lock    sync.Mutex
	manager *resourcelimits.ResourceManager
	monitor *resourcelimits.Monitor
	ledger  *ledger.Ledger
	server  *control.Server
	metrics *metrics.Metrics
	logger  logging.Logger

	stateMutex sync.Mutex
	state      GovernorState
}

// NewGovernor validates config, builds every component and binds the control port
func NewGovernor(config *GovernorConfig, source resourcelimits.TelemetrySource, accounts []resourcelimits.UserAccount, logger logging.Logger) (*Governor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	g := &Governor{
		config:  config,
		metrics: metrics.NewMetrics(),
		logger:  logger,
		state:   GovernorStateNotStarted,
	}

	g.ledger = ledger.New(config.Governor.LedgerDir, logging.WithPrefix(logger, "ledger: "))

	manager, err := resourcelimits.NewResourceManager(
		config.ManagerConfig(accounts), source, g.ledger, logging.WithPrefix(logger, "accounting: "))
	if err != nil {
		return nil, errors.NewInternalError("failed to create resource manager", err)
	}
	g.manager = manager

	g.monitor = resourcelimits.NewMonitor(manager, &g.lock, resourcelimits.MonitorConfig{
		DisplayEvery: intOr(config.Governor.DisplayEvery, DefaultDisplayEvery),
	}, logging.WithPrefix(logger, "monitor: "))
	g.monitor.SetCycleCallback(g.metrics.Observe)

	server, err := control.NewServer(control.ServerConfig{
		Address: config.Governor.Address(),
		Workers: config.Governor.Workers,
	}, g, logging.WithPrefix(logger, "control: "))
	if err != nil {
		return nil, err
	}
	g.server = server

	logger.Infof("Governor created, control address: %s, refresh interval: %v, ledger: %s",
		server.Addr(), config.Governor.RefreshDuration(), config.Governor.LedgerDir)
	return g, nil
}

// Run serves until ctx is done or the accounting loop fails fatally
func (g *Governor) Run(ctx context.Context) error {
	g.stateMutex.Lock()
	if g.state != GovernorStateNotStarted {
		state := g.state
		g.stateMutex.Unlock()
		return errors.NewValidationError("governor can only run once", nil).WithContext("state", string(state))
	}
	g.state = GovernorStateRunning
	g.stateMutex.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.monitor.Run(groupCtx)
	})
	group.Go(func() error {
		return g.server.Serve(groupCtx)
	})
	if address := g.config.Governor.MetricsAddress; address != "" {
		group.Go(func() error {
			return g.metrics.Serve(groupCtx, address, logging.WithPrefix(g.logger, "metrics: "))
		})
	}

	g.logger.Infof("Governor is running")

	go func() {
		<-groupCtx.Done()
		g.setState(GovernorStateStopping)
	}()

	err := group.Wait()
	g.setState(GovernorStateStopped)

	if err != nil {
		g.logger.Errorf("Governor stopped with error: %v", err)
		return err
	}
	g.logger.Infof("Governor stopped")
	return nil
}

func (g *Governor) setState(state GovernorState) {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	if g.state == GovernorStateStopped {
		return
	}
	g.state = state
}

func (g *Governor) State() GovernorState {
	g.stateMutex.Lock()
	defer g.stateMutex.Unlock()
	return g.state
}

// Port is the bound control port
func (g *Governor) Port() int {
	return g.server.Port()
}

func (g *Governor) Metrics() *metrics.Metrics {
	return g.metrics
}

// Close releases the control port of a governor that never ran
func (g *Governor) Close() error {
	if g.State() != GovernorStateNotStarted {
		return nil
	}
	return g.server.Close()
}
