//go:build !unix

package processstate

import (
	"github.com/shirou/gopsutil/v4/process"

	"github.com/core-tools/hsu-governor/pkg/errors"
)

func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, errors.NewProcessError("failed to probe process", err).WithContext("pid", pid)
	}
	return exists, nil
}
