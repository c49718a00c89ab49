package resourcelimits

import (
	"context"
	"time"
)

// TelemetrySource supplies per-cycle process snapshots and carries out kills
type TelemetrySource interface {
	// Snapshot returns every live process grouped by owning user id
	Snapshot(ctx context.Context) (map[uint32][]ProcessSnapshot, error)

	// Terminate kills the process with the given pid
	Terminate(pid int32) error
}

// UsageLedger receives per-user usage deltas and persists them periodically
type UsageLedger interface {
	// Record adds delta to the backup of user uid
	Record(uid uint32, name string, delta Usage)

	// Backups returns a copy of every user's backup for the current period
	Backups() map[uint32]UsageBackup

	// NextFlush returns the instant after which the next flush happens
	NextFlush() time.Time

	// Flush writes and resets the backups if a flush is due.
	// It returns the written file path, or "" when nothing was due.
	Flush() (string, error)
}

// ConsumptionChecker decides whether a rule tracker exhausted its budget
type ConsumptionChecker interface {
	CheckConsumption(tracker *RuleTracker) []*ConsumptionViolation
}

// ProcessSnapshot is the instantaneous usage of one process.
// Memory figures are in MB, usage figures are fractions (1.0 = one core or one device).
type ProcessSnapshot struct {
	PID         int32    `json:"pid"`
	Cmdline     []string `json:"cmdline"`
	CPUUsage    float64  `json:"cpu_usage"`
	CPUMemoryMB uint64   `json:"cpu_memory"`
	GPUDevice   uint32   `json:"device_id"`
	GPUUsage    float64  `json:"gpu_usage"`
	GPUMemoryMB uint64   `json:"gpu_memory"`

	// CreateTime is the process start in epoch milliseconds, 0 when unknown
	CreateTime int64 `json:"create_time"`
}

// UserAccount is an OS account known to the machine
type UserAccount struct {
	UID  uint32 `json:"uid"`
	Name string `json:"name"`
}

// UserRules assigns a rule list to a configured user name
type UserRules struct {
	Name  string `yaml:"name" json:"name"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Usage holds the four integrated accumulators.
// Core and device time is in core-seconds, memory time in MB-seconds.
type Usage struct {
	CPUCoreTime   float64 `json:"cpu_core_time"`
	CPUMemoryTime float64 `json:"cpu_memory_time"`
	GPUDeviceTime float64 `json:"gpu_device_time"`
	GPUMemoryTime float64 `json:"gpu_memory_time"`
}

func (u *Usage) Add(delta Usage) {
	u.CPUCoreTime += delta.CPUCoreTime
	u.CPUMemoryTime += delta.CPUMemoryTime
	u.GPUDeviceTime += delta.GPUDeviceTime
	u.GPUMemoryTime += delta.GPUMemoryTime
}

func (u *Usage) Reset() {
	*u = Usage{}
}

// UsageBackup is a user's usage since the last ledger flush
type UsageBackup struct {
	Name string `json:"name"`
	Usage
}

// UsageDelta integrates one snapshot over interval
func UsageDelta(snapshot ProcessSnapshot, interval time.Duration) Usage {
	seconds := interval.Seconds()
	return Usage{
		CPUCoreTime:   snapshot.CPUUsage * seconds,
		CPUMemoryTime: float64(snapshot.CPUMemoryMB) * seconds,
		GPUDeviceTime: snapshot.GPUUsage * seconds,
		GPUMemoryTime: float64(snapshot.GPUMemoryMB) * seconds,
	}
}

// ResourceLimitType names the budget a violation refers to
type ResourceLimitType string

const (
	ResourceLimitTypeCPUTime ResourceLimitType = "cpu_core_time"
	ResourceLimitTypeGPUTime ResourceLimitType = "gpu_device_time"
)

// ConsumptionViolation reports an exhausted time budget
type ConsumptionViolation struct {
	Rule         string            `json:"rule"`
	LimitType    ResourceLimitType `json:"limit_type"`
	CurrentValue uint64            `json:"current_value"` // whole minutes consumed
	LimitValue   uint64            `json:"limit_value"`   // budget in minutes
	PIDs         []int32           `json:"pids"`
	Timestamp    time.Time         `json:"timestamp"`
	Message      string            `json:"message"`
}

// NoMatchPolicy is applied to a managed user's process that matches no rule
type NoMatchPolicy string

const (
	NoMatchPolicyKill   NoMatchPolicy = "kill"
	NoMatchPolicyIgnore NoMatchPolicy = "ignore"
)

// KillReason tells why a termination was attempted
type KillReason string

const (
	KillReasonNoMatch  KillReason = "no_matching_rule"
	KillReasonConsumed KillReason = "rule_consumed"
)

// KillResult is the outcome of one termination attempt
type KillResult struct {
	UID    uint32     `json:"uid"`
	User   string     `json:"user"`
	PID    int32      `json:"pid"`
	Rule   string     `json:"rule,omitempty"`
	Reason KillReason `json:"reason"`
	Err    error      `json:"-"`
}

// CycleReport summarizes one accounting cycle
type CycleReport struct {
	Started    time.Time
	Duration   time.Duration
	Seen       int
	Filtered   int
	Attributed int
	Unmatched  int
	Collected  int
	Tracked    int
	Violations []*ConsumptionViolation
	Kills      []KillResult
}

// KillFailures counts failed termination attempts
func (r *CycleReport) KillFailures() int {
	failures := 0
	for _, kill := range r.Kills {
		if kill.Err != nil {
			failures++
		}
	}
	return failures
}
