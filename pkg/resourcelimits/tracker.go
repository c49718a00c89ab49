package resourcelimits

import (
	"sort"
	"time"
)

// ProcessTracker accumulates the usage of one process across cycles
type ProcessTracker struct {
	PID         int32
	Latest      ProcessSnapshot
	StartTime   time.Time
	RunningTime time.Duration
	Usage

	// consecutive cycles the pid was not attributed
	MissedCycles int
	// set once a termination succeeded, so the pid is not signalled again
	Terminated bool
}

func newProcessTracker(snapshot ProcessSnapshot, now time.Time) *ProcessTracker {
	return &ProcessTracker{
		PID:       snapshot.PID,
		Latest:    snapshot,
		StartTime: now,
	}
}

// sameProcess reports whether snapshot still describes the tracked process.
// A pid that went unseen for a cycle, or whose create time changed, may have been reused.
func (pt *ProcessTracker) sameProcess(snapshot ProcessSnapshot) bool {
	if pt.MissedCycles > 0 {
		return false
	}
	if snapshot.CreateTime == 0 || pt.Latest.CreateTime == 0 {
		return true
	}
	return snapshot.CreateTime == pt.Latest.CreateTime
}

func (pt *ProcessTracker) update(snapshot ProcessSnapshot, delta Usage, now time.Time) {
	pt.Latest = snapshot
	pt.RunningTime = now.Sub(pt.StartTime)
	pt.Usage.Add(delta)
	pt.MissedCycles = 0
}

// RuleTracker accumulates the usage of every process attributed to one rule
type RuleTracker struct {
	Name string
	Rule Rule
	Usage

	// pids attributed during the current cycle only
	TrackedPIDs []int32
}

func newRuleTracker(rule Rule) *RuleTracker {
	return &RuleTracker{
		Name: rule.Name,
		Rule: rule,
	}
}

func (rt *RuleTracker) attribute(pid int32, delta Usage) {
	rt.Usage.Add(delta)
	rt.TrackedPIDs = append(rt.TrackedPIDs, pid)
}

func (rt *RuleTracker) clearTracked() {
	rt.TrackedPIDs = nil
}

// CPUCoreMinutes is the consumed CPU budget in whole minutes
func (rt *RuleTracker) CPUCoreMinutes() uint64 {
	return wholeMinutes(rt.CPUCoreTime)
}

// GPUDeviceMinutes is the consumed GPU budget in whole minutes
func (rt *RuleTracker) GPUDeviceMinutes() uint64 {
	return wholeMinutes(rt.GPUDeviceTime)
}

func wholeMinutes(seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(seconds / 60.0)
}

// UserRecord is everything tracked for one OS account
type UserRecord struct {
	UID       uint32
	Name      string
	Managed   bool
	Processes map[int32]*ProcessTracker
	Rules     map[string]*RuleTracker

	// configured order, used for equal-priority ties
	ruleOrder []string
}

func newUserRecord(account UserAccount) *UserRecord {
	return &UserRecord{
		UID:       account.UID,
		Name:      account.Name,
		Processes: make(map[int32]*ProcessTracker),
		Rules:     make(map[string]*RuleTracker),
	}
}

// manage installs the rule trackers; a later rule replaces an earlier one of the same name
func (u *UserRecord) manage(rules []Rule) {
	u.Managed = true
	for _, rule := range rules {
		if _, exists := u.Rules[rule.Name]; !exists {
			u.ruleOrder = append(u.ruleOrder, rule.Name)
		}
		u.Rules[rule.Name] = newRuleTracker(rule)
	}
}

// RuleList returns the user's rules in configured order
func (u *UserRecord) RuleList() []Rule {
	rules := make([]Rule, 0, len(u.ruleOrder))
	for _, name := range u.ruleOrder {
		rules = append(rules, u.Rules[name].Rule)
	}
	return rules
}

// RuleTrackers returns the trackers in configured order
func (u *UserRecord) RuleTrackers() []*RuleTracker {
	trackers := make([]*RuleTracker, 0, len(u.ruleOrder))
	for _, name := range u.ruleOrder {
		trackers = append(trackers, u.Rules[name])
	}
	return trackers
}

func (u *UserRecord) clearTracked() {
	for _, tracker := range u.Rules {
		tracker.clearTracked()
	}
}

// collectOrphans bumps the miss counter of every tracker not seen this cycle
// and drops those that reached limit. A limit of zero disables collection.
func (u *UserRecord) collectOrphans(seen map[int32]struct{}, limit int) int {
	collected := 0
	for pid, tracker := range u.Processes {
		if _, ok := seen[pid]; ok {
			continue
		}
		tracker.MissedCycles++
		if limit > 0 && tracker.MissedCycles >= limit {
			delete(u.Processes, pid)
			collected++
		}
	}
	return collected
}

// sortedPIDs is used to keep log output stable
func sortedPIDs(pids []int32) []int32 {
	sorted := append([]int32(nil), pids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}
