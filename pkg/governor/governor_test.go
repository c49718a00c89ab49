package governor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-governor/pkg/control"
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

type fakeSource struct {
	mutex      sync.Mutex
	snapshots  int
	terminated []int32
	panics     bool
}

func (f *fakeSource) Snapshot(ctx context.Context) (map[uint32][]resourcelimits.ProcessSnapshot, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.panics {
		panic("telemetry exploded")
	}
	f.snapshots++
	return map[uint32][]resourcelimits.ProcessSnapshot{
		1000: {{PID: 42, Cmdline: []string{"train.py"}, CPUUsage: 0.5, CPUMemoryMB: 100}},
	}, nil
}

func (f *fakeSource) Terminate(pid int32) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeSource) snapshotCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.snapshots
}

var testAccounts = []resourcelimits.UserAccount{
	{UID: 0, Name: "root"},
	{UID: 1000, Name: "alice"},
}

func testConfig(t *testing.T) *GovernorConfig {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	config := DefaultConfig()
	config.Governor.Port = port
	config.Governor.RefreshInterval = 0.02
	config.Governor.LedgerDir = t.TempDir()
	config.Users = []resourcelimits.UserRules{{
		Name: "alice",
		Rules: []resourcelimits.Rule{{
			Name:                "notebook",
			Priority:            1,
			MaxCPUCoreMinutes:   60,
			MaxCPUMemoryMB:      2048,
			MaxGPUDeviceMinutes: 60,
			MaxGPUMemoryMB:      1024,
		}},
	}}
	return config
}

func startGovernor(t *testing.T, config *GovernorConfig, source *fakeSource) (*Governor, context.CancelFunc, chan error) {
	t.Helper()
	governor, err := NewGovernor(config, source, testAccounts, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- governor.Run(ctx) }()

	require.Eventually(t, func() bool { return source.snapshotCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	return governor, cancel, done
}

func waitStopped(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("governor did not stop")
		return nil
	}
}

func TestNewGovernor_InvalidConfig(t *testing.T) {
	config := testConfig(t)
	config.Governor.NoMatchPolicy = "sometimes"

	_, err := NewGovernor(config, &fakeSource{}, testAccounts, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestNewGovernor_TruncatedRefreshInterval(t *testing.T) {
	config := testConfig(t)
	config.Governor.RefreshInterval = 1e-12

	_, err := NewGovernor(config, &fakeSource{}, testAccounts, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err), "got %v", err)
	assert.False(t, errors.IsInternalError(err))
}

func TestNewGovernor_PortInUse(t *testing.T) {
	config := testConfig(t)
	first, err := NewGovernor(config, &fakeSource{}, testAccounts, logging.NewNopLogger())
	require.NoError(t, err)
	defer first.Close()

	_, err = NewGovernor(config, &fakeSource{}, testAccounts, logging.NewNopLogger())
	assert.True(t, errors.IsNetworkError(err))
}

func TestGovernor_ServesControlCommands(t *testing.T) {
	config := testConfig(t)
	source := &fakeSource{}
	governor, cancel, done := startGovernor(t, config, source)
	assert.Equal(t, GovernorStateRunning, governor.State())
	assert.Equal(t, config.Governor.Port, governor.Port())

	ctx := context.Background()
	address := config.Governor.Address()

	reply, err := control.SendCommand(ctx, address, "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	reply, err = control.SendCommand(ctx, address, "status", time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "next log time: "), reply)
	assert.Contains(t, reply, "alice")

	reply, err = control.SendCommand(ctx, address, "rules", time.Second)
	require.NoError(t, err)
	assert.Contains(t, reply, "notebook")
	assert.Contains(t, reply, "42")

	reply, err = control.SendCommand(ctx, address, "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "received your request", reply)

	families, err := governor.Metrics().Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	cancel()
	assert.NoError(t, waitStopped(t, done))
	assert.Equal(t, GovernorStateStopped, governor.State())
	assert.Empty(t, source.terminated, "budget is far from consumed")

	err = governor.Run(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestGovernor_ServesMetrics(t *testing.T) {
	metricsPort, err := freeport.GetFreePort()
	require.NoError(t, err)

	config := testConfig(t)
	config.Governor.MetricsAddress = fmt.Sprintf("127.0.0.1:%d", metricsPort)
	_, cancel, done := startGovernor(t, config, &fakeSource{})

	url := fmt.Sprintf("http://%s/metrics", config.Governor.MetricsAddress)
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(data)
		return strings.Contains(body, "hsu_governor_cycles_total")
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "hsu_governor_tracked_processes 1")

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestGovernor_AccountingPanicIsFatal(t *testing.T) {
	config := testConfig(t)
	source := &fakeSource{}
	governor, cancel, done := startGovernor(t, config, source)
	defer cancel()

	source.mutex.Lock()
	source.panics = true
	source.mutex.Unlock()

	err := waitStopped(t, done)
	assert.True(t, errors.IsInternalError(err))
	assert.Equal(t, GovernorStateStopped, governor.State())

	// the control port is released
	_, err = control.SendCommand(context.Background(), config.Governor.Address(), "ping", 200*time.Millisecond)
	assert.Error(t, err)
}
