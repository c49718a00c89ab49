//go:build linux && cgo

package telemetry

import (
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
)

func TestLatestSamples_NewestTimestampWins(t *testing.T) {
	samples := []nvml.ProcessUtilizationSample{
		{Pid: 10, TimeStamp: 300, SmUtil: 80},
		{Pid: 11, TimeStamp: 150, SmUtil: 5},
		{Pid: 10, TimeStamp: 100, SmUtil: 20},
		{Pid: 10, TimeStamp: 200, SmUtil: 40},
	}

	latest := latestSamples(samples)
	assert.Len(t, latest, 2)
	assert.Equal(t, uint64(300), latest[10].TimeStamp)
	assert.Equal(t, uint32(80), latest[10].SmUtil)
	assert.Equal(t, uint32(5), latest[11].SmUtil)
}

func TestLatestSamples_Empty(t *testing.T) {
	assert.Empty(t, latestSamples(nil))
}
