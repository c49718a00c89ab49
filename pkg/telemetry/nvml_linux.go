//go:build linux && cgo

package telemetry

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// nvmlCollector reads compute processes and SM utilization from every device
type nvmlCollector struct {
	logger logging.Logger
	// last sample timestamp per device, so each call only sees new samples
	lastSeen map[int]uint64
}

// NewGPUCollector initializes NVML. Without a driver it falls back to NoGPU.
func NewGPUCollector(logger logging.Logger) GPUCollector {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		logger.Infof("NVML unavailable, GPU usage is reported as zero: %v", nvml.ErrorString(ret))
		return NoGPU{}
	}
	return &nvmlCollector{
		logger:   logger,
		lastSeen: make(map[int]uint64),
	}
}

func (c *nvmlCollector) Collect() (map[int32]GPUProcess, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errors.NewTelemetryError("failed to count GPU devices", nil).
			WithContext("nvml", nvml.ErrorString(ret))
	}

	usage := make(map[int32]GPUProcess)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		index, ret := device.GetIndex()
		if ret != nvml.SUCCESS {
			continue
		}

		processes, ret := device.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			continue
		}
		for _, p := range processes {
			usage[int32(p.Pid)] = GPUProcess{
				Device:   uint32(index),
				MemoryMB: uint64(float64(p.UsedGpuMemory) / bytesPerMB),
			}
		}

		samples, ret := device.GetProcessUtilization(c.lastSeen[index])
		if ret != nvml.SUCCESS {
			continue
		}
		for pid, sample := range latestSamples(samples) {
			if sample.TimeStamp > c.lastSeen[index] {
				c.lastSeen[index] = sample.TimeStamp
			}
			if gpu, ok := usage[int32(pid)]; ok {
				gpu.Usage = float64(sample.SmUtil) / 100.0
				usage[int32(pid)] = gpu
			}
		}
	}
	return usage, nil
}

// latestSamples keeps the newest utilization sample of every pid; the buffer is not ordered
func latestSamples(samples []nvml.ProcessUtilizationSample) map[uint32]nvml.ProcessUtilizationSample {
	latest := make(map[uint32]nvml.ProcessUtilizationSample, len(samples))
	for _, sample := range samples {
		if current, ok := latest[sample.Pid]; ok && current.TimeStamp >= sample.TimeStamp {
			continue
		}
		latest[sample.Pid] = sample
	}
	return latest
}

func (c *nvmlCollector) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.NewTelemetryError("failed to shut down NVML", nil).
			WithContext("nvml", nvml.ErrorString(ret))
	}
	return nil
}
