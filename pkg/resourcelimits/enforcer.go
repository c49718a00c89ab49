package resourcelimits

import (
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// processEnforcer terminates processes through the telemetry source
type processEnforcer struct {
	source TelemetrySource
	logger logging.Logger
}

func newProcessEnforcer(source TelemetrySource, logger logging.Logger) *processEnforcer {
	return &processEnforcer{
		source: source,
		logger: logger,
	}
}

// terminate attempts one kill and never panics or aborts on failure
func (pe *processEnforcer) terminate(user *UserRecord, pid int32, rule string, reason KillReason) KillResult {
	result := KillResult{
		UID:    user.UID,
		User:   user.Name,
		PID:    pid,
		Rule:   rule,
		Reason: reason,
	}

	if err := pe.source.Terminate(pid); err != nil {
		result.Err = errors.NewEnforcementError("failed to terminate process", err).
			WithContext("pid", pid).
			WithContext("user", user.Name).
			WithContext("reason", string(reason))
		pe.logger.Warnf("Failed to kill process %d of user %s (%s): %v", pid, user.Name, reason, err)
		return result
	}

	switch reason {
	case KillReasonNoMatch:
		pe.logger.Infof("Process %d of user %s matches no rule, killed", pid, user.Name)
	default:
		pe.logger.Infof("Process %d of user %s killed, rule %s consumed", pid, user.Name, rule)
	}
	return result
}

// enforceConsumed kills every attributed pid of a consumed rule tracker.
// Pids already terminated are skipped; failures stay attributed and are retried next cycle.
func (pe *processEnforcer) enforceConsumed(user *UserRecord, tracker *RuleTracker) []KillResult {
	var results []KillResult
	for _, pid := range sortedPIDs(tracker.TrackedPIDs) {
		process, tracked := user.Processes[pid]
		if tracked && process.Terminated {
			continue
		}
		result := pe.terminate(user, pid, tracker.Name, KillReasonConsumed)
		if result.Err == nil && tracked {
			process.Terminated = true
		}
		results = append(results, result)
	}
	return results
}
