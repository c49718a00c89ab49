// Package telemetry samples live processes from the host and its NVIDIA GPUs.
package telemetry

import (
	"context"
	"os/user"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/processstate"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

const bytesPerMB = 1e6

// GPUProcess is one process's share of a GPU
type GPUProcess struct {
	Device   uint32
	Usage    float64 // fraction of the device's SMs
	MemoryMB uint64
}

// GPUCollector reports per-process GPU usage keyed by pid
type GPUCollector interface {
	Collect() (map[int32]GPUProcess, error)
	Close() error
}

type cachedProcess struct {
	proc       *process.Process
	createTime int64
}

// HostSource implements resourcelimits.TelemetrySource with gopsutil.
// Processes are cached between snapshots so CPU usage is measured over the refresh interval.
type HostSource struct {
	gpu    GPUCollector
	logger logging.Logger

	mutex sync.Mutex
	cache map[int32]*cachedProcess
}

var _ resourcelimits.TelemetrySource = (*HostSource)(nil)

func NewHostSource(gpu GPUCollector, logger logging.Logger) *HostSource {
	if gpu == nil {
		gpu = NoGPU{}
	}
	return &HostSource{
		gpu:    gpu,
		logger: logger,
		cache:  make(map[int32]*cachedProcess),
	}
}

func (h *HostSource) Snapshot(ctx context.Context) (map[uint32][]resourcelimits.ProcessSnapshot, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, errors.NewTelemetryError("failed to list processes", err)
	}

	gpuByPID, err := h.gpu.Collect()
	if err != nil {
		h.logger.Debugf("GPU usage unavailable this cycle: %v", err)
		gpuByPID = nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	snapshots := make(map[uint32][]resourcelimits.ProcessSnapshot)
	alive := make(map[int32]*cachedProcess, len(pids))

	for _, pid := range pids {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError("snapshot cancelled", ctx.Err())
		}

		cached, err := h.lookup(ctx, pid)
		if err != nil {
			continue
		}

		uids, err := cached.proc.UidsWithContext(ctx)
		if err != nil || len(uids) == 0 {
			continue
		}

		snapshot := resourcelimits.ProcessSnapshot{PID: pid, CreateTime: cached.createTime}

		snapshot.Cmdline, _ = cached.proc.CmdlineSliceWithContext(ctx)

		if percent, err := cached.proc.PercentWithContext(ctx, 0); err == nil {
			snapshot.CPUUsage = percent / 100.0
		}

		if mem, err := cached.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snapshot.CPUMemoryMB = uint64(float64(mem.RSS) / bytesPerMB)
		}

		if gpu, ok := gpuByPID[pid]; ok {
			snapshot.GPUDevice = gpu.Device
			snapshot.GPUUsage = gpu.Usage
			snapshot.GPUMemoryMB = gpu.MemoryMB
		}

		alive[pid] = cached
		snapshots[uids[0]] = append(snapshots[uids[0]], snapshot)
	}

	h.cache = alive
	return snapshots, nil
}

// lookup returns the cached handle unless the pid was reused by a new process
func (h *HostSource) lookup(ctx context.Context, pid int32) (*cachedProcess, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	createTime, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return nil, err
	}

	if cached, ok := h.cache[pid]; ok && cached.createTime == createTime {
		return cached, nil
	}
	return &cachedProcess{proc: proc, createTime: createTime}, nil
}

// Terminate sends SIGKILL to pid
func (h *HostSource) Terminate(pid int32) error {
	running, err := processstate.IsProcessRunning(int(pid))
	if err != nil {
		return err
	}
	if !running {
		return errors.NewNotFoundError("process is not running", nil).WithContext("pid", pid)
	}

	h.mutex.Lock()
	cached, ok := h.cache[pid]
	h.mutex.Unlock()

	var proc *process.Process
	if ok {
		proc = cached.proc
	} else if proc, err = process.NewProcess(pid); err != nil {
		return errors.NewProcessError("failed to open process", err).WithContext("pid", pid)
	}

	if err := proc.Kill(); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}
	return nil
}

// ResolveUserID maps an account name to its uid
func (h *HostSource) ResolveUserID(name string) (uint32, bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(uid), true
}

func (h *HostSource) Close() error {
	return h.gpu.Close()
}

// NoGPU is used when no NVIDIA driver is present
type NoGPU struct{}

func (NoGPU) Collect() (map[int32]GPUProcess, error) { return nil, nil }
func (NoGPU) Close() error                            { return nil }
