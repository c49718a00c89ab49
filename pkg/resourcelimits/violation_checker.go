package resourcelimits

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-governor/pkg/logging"
)

type consumptionChecker struct {
	logger logging.Logger
	now    func() time.Time
}

func NewConsumptionChecker(logger logging.Logger, now func() time.Time) ConsumptionChecker {
	if now == nil {
		now = time.Now
	}
	return &consumptionChecker{
		logger: logger,
		now:    now,
	}
}

// CheckConsumption returns one violation per exhausted budget.
// A tracker is consumed when either result is non-empty.
func (cc *consumptionChecker) CheckConsumption(tracker *RuleTracker) []*ConsumptionViolation {
	if tracker == nil {
		return nil
	}

	tcv := &trackerConsumptionChecker{
		timestamp: cc.now(),
		tracker:   tracker,
	}

	var violations []*ConsumptionViolation
	if v := tcv.checkCPUTime(); v != nil {
		violations = append(violations, v)
	}
	if v := tcv.checkGPUTime(); v != nil {
		violations = append(violations, v)
	}

	if len(violations) > 0 {
		cc.logger.Debugf("Rule %s consumed, cpu: %.1fs, gpu: %.1fs, pids: %v",
			tracker.Name, tracker.CPUCoreTime, tracker.GPUDeviceTime, tracker.TrackedPIDs)
	}
	return violations
}

type trackerConsumptionChecker struct {
	timestamp time.Time
	tracker   *RuleTracker
}

func (tcv *trackerConsumptionChecker) checkCPUTime() *ConsumptionViolation {
	consumed := tcv.tracker.CPUCoreMinutes()
	limit := tcv.tracker.Rule.MaxCPUCoreMinutes
	if consumed < limit {
		return nil
	}
	return tcv.violation(ResourceLimitTypeCPUTime, consumed, limit,
		fmt.Sprintf("CPU core time (%d min) reached budget (%d min)", consumed, limit))
}

func (tcv *trackerConsumptionChecker) checkGPUTime() *ConsumptionViolation {
	consumed := tcv.tracker.GPUDeviceMinutes()
	limit := tcv.tracker.Rule.MaxGPUDeviceMinutes
	if consumed < limit {
		return nil
	}
	return tcv.violation(ResourceLimitTypeGPUTime, consumed, limit,
		fmt.Sprintf("GPU device time (%d min) reached budget (%d min)", consumed, limit))
}

func (tcv *trackerConsumptionChecker) violation(limitType ResourceLimitType, consumed, limit uint64, message string) *ConsumptionViolation {
	return &ConsumptionViolation{
		Rule:         tcv.tracker.Name,
		LimitType:    limitType,
		CurrentValue: consumed,
		LimitValue:   limit,
		PIDs:         append([]int32(nil), tcv.tracker.TrackedPIDs...),
		Timestamp:    tcv.timestamp,
		Message:      message,
	}
}

// IsConsumed is the plain predicate behind CheckConsumption
func IsConsumed(tracker *RuleTracker) bool {
	return tracker.CPUCoreMinutes() >= tracker.Rule.MaxCPUCoreMinutes ||
		tracker.GPUDeviceMinutes() >= tracker.Rule.MaxGPUDeviceMinutes
}
