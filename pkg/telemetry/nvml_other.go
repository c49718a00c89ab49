//go:build !linux || !cgo

package telemetry

import "github.com/core-tools/hsu-governor/pkg/logging"

// NewGPUCollector reports no GPU usage on builds without NVML support
func NewGPUCollector(logger logging.Logger) GPUCollector {
	logger.Infof("Built without NVML support, GPU usage is reported as zero")
	return NoGPU{}
}
