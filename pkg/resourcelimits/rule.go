package resourcelimits

import "sort"

// Rule is a per-user quota. Memory ceilings gate eligibility, minute budgets gate termination.
type Rule struct {
	Name                string `yaml:"name" json:"name"`
	Priority            int    `yaml:"priority" json:"priority"`
	MaxCPUCoreMinutes   uint64 `yaml:"max_cpu_core_time" json:"max_cpu_core_time"`
	MaxCPUMemoryMB      uint64 `yaml:"max_cpu_memory" json:"max_cpu_memory"`
	MaxGPUDeviceMinutes uint64 `yaml:"max_gpu_device_time" json:"max_gpu_device_time"`
	MaxGPUMemoryMB      uint64 `yaml:"max_gpu_memory" json:"max_gpu_memory"`
}

// Matches reports whether the snapshot fits strictly under both memory ceilings
func (r Rule) Matches(snapshot ProcessSnapshot) bool {
	return snapshot.CPUMemoryMB < r.MaxCPUMemoryMB &&
		snapshot.GPUMemoryMB < r.MaxGPUMemoryMB
}

// RuleFilter removes processes from management before rule matching
type RuleFilter struct {
	Name           string  `yaml:"name" json:"name"`
	MaxCPUUsage    float64 `yaml:"max_cpu_usage" json:"max_cpu_usage"`
	MaxCPUMemoryMB uint64  `yaml:"max_cpu_memory" json:"max_cpu_memory"`
	MaxGPUUsage    float64 `yaml:"max_gpu_usage" json:"max_gpu_usage"`
	MaxGPUMemoryMB uint64  `yaml:"max_gpu_memory" json:"max_gpu_memory"`
}

// Retain is false when the snapshot exceeds any of the filter's ceilings
func (f RuleFilter) Retain(snapshot ProcessSnapshot) bool {
	return !(snapshot.CPUUsage > f.MaxCPUUsage ||
		snapshot.CPUMemoryMB > f.MaxCPUMemoryMB ||
		snapshot.GPUUsage > f.MaxGPUUsage ||
		snapshot.GPUMemoryMB > f.MaxGPUMemoryMB)
}

// RetainedByAll reports whether every filter retains the snapshot
func RetainedByAll(filters []RuleFilter, snapshot ProcessSnapshot) bool {
	for _, filter := range filters {
		if !filter.Retain(snapshot) {
			return false
		}
	}
	return true
}

// GlobalFilterRules returns a new map holding only the processes every filter retains
func GlobalFilterRules(filters []RuleFilter, processes map[uint32][]ProcessSnapshot) map[uint32][]ProcessSnapshot {
	filtered := make(map[uint32][]ProcessSnapshot, len(processes))
	for uid, snapshots := range processes {
		kept := make([]ProcessSnapshot, 0, len(snapshots))
		for _, snapshot := range snapshots {
			if RetainedByAll(filters, snapshot) {
				kept = append(kept, snapshot)
			}
		}
		filtered[uid] = kept
	}
	return filtered
}

// MatchRules returns the rules matching snapshot, highest priority first.
// Rules of equal priority keep their input order.
func MatchRules(rules []Rule, snapshot ProcessSnapshot) []Rule {
	var matched []Rule
	for _, rule := range rules {
		if rule.Matches(snapshot) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// SelectRule picks the highest-priority matching rule
func SelectRule(rules []Rule, snapshot ProcessSnapshot) (Rule, bool) {
	matched := MatchRules(rules, snapshot)
	if len(matched) == 0 {
		return Rule{}, false
	}
	return matched[0], true
}
