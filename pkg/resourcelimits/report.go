package resourcelimits

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// UserStatus is one row of the usage table
type UserStatus struct {
	UID       uint32 `json:"uid"`
	Name      string `json:"name"`
	Managed   bool   `json:"managed"`
	Processes int    `json:"processes"`
	Usage     Usage  `json:"usage"`
}

// RuleStatus is one row of the rule table
type RuleStatus struct {
	User                string  `json:"user"`
	Rule                string  `json:"rule"`
	Priority            int     `json:"priority"`
	CPUCoreMinutes      uint64  `json:"cpu_core_minutes"`
	MaxCPUCoreMinutes   uint64  `json:"max_cpu_core_minutes"`
	GPUDeviceMinutes    uint64  `json:"gpu_device_minutes"`
	MaxGPUDeviceMinutes uint64  `json:"max_gpu_device_minutes"`
	PIDs                []int32 `json:"pids"`
	Consumed            bool    `json:"consumed"`
}

// UserStatuses lists managed users and every user with usage in the current ledger period
func (rm *ResourceManager) UserStatuses() []UserStatus {
	backups := rm.ledger.Backups()
	var statuses []UserStatus
	for uid, user := range rm.users {
		backup := backups[uid]
		if !user.Managed && backup.Usage == (Usage{}) {
			continue
		}
		statuses = append(statuses, UserStatus{
			UID:       uid,
			Name:      user.Name,
			Managed:   user.Managed,
			Processes: len(user.Processes),
			Usage:     backup.Usage,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// RuleStatuses lists every rule tracker of every managed user
func (rm *ResourceManager) RuleStatuses() []RuleStatus {
	var statuses []RuleStatus
	for _, user := range rm.users {
		if !user.Managed {
			continue
		}
		for _, tracker := range user.RuleTrackers() {
			statuses = append(statuses, RuleStatus{
				User:                user.Name,
				Rule:                tracker.Name,
				Priority:            tracker.Rule.Priority,
				CPUCoreMinutes:      tracker.CPUCoreMinutes(),
				MaxCPUCoreMinutes:   tracker.Rule.MaxCPUCoreMinutes,
				GPUDeviceMinutes:    tracker.GPUDeviceMinutes(),
				MaxGPUDeviceMinutes: tracker.Rule.MaxGPUDeviceMinutes,
				PIDs:                sortedPIDs(tracker.TrackedPIDs),
				Consumed:            IsConsumed(tracker),
			})
		}
	}
	sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].User < statuses[j].User })
	return statuses
}

// DisplayUpdate renders the usage table with the next flush time
func (rm *ResourceManager) DisplayUpdate() string {
	return RenderUsageTable(rm.UserStatuses(), rm.ledger.NextFlush())
}

var usageHeader = table.Row{
	"User Name",
	"Managed",
	"Processes",
	"CPU Usage\n(core * minutes)",
	"Memory\n(MB * minutes)",
	"GPU Usage\n(device * minutes)",
	"GPU Memory\n(MB * minutes)",
}

func RenderUsageTable(statuses []UserStatus, nextFlush time.Time) string {
	usageTable := table.NewWriter()
	usageTable.AppendHeader(usageHeader)
	for _, status := range statuses {
		usageTable.AppendRow(table.Row{
			status.Name,
			status.Managed,
			status.Processes,
			minutes(status.Usage.CPUCoreTime),
			minutes(status.Usage.CPUMemoryTime),
			minutes(status.Usage.GPUDeviceTime),
			minutes(status.Usage.GPUMemoryTime),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "next log time: %s\n", nextFlush.Format("2006-01-02 15:04:05"))
	b.WriteString(usageTable.Render())
	return b.String()
}

var ruleHeader = table.Row{
	"User",
	"Rule",
	"Priority",
	"CPU\n(used / max min)",
	"GPU\n(used / max min)",
	"PIDs",
	"Consumed",
}

func RenderRuleTable(statuses []RuleStatus) string {
	ruleTable := table.NewWriter()
	ruleTable.AppendHeader(ruleHeader)
	for _, status := range statuses {
		pids := make([]string, 0, len(status.PIDs))
		for _, pid := range status.PIDs {
			pids = append(pids, fmt.Sprintf("%d", pid))
		}
		ruleTable.AppendRow(table.Row{
			status.User,
			status.Rule,
			status.Priority,
			fmt.Sprintf("%d / %d", status.CPUCoreMinutes, status.MaxCPUCoreMinutes),
			fmt.Sprintf("%d / %d", status.GPUDeviceMinutes, status.MaxGPUDeviceMinutes),
			strings.Join(pids, ","),
			status.Consumed,
		})
	}
	return ruleTable.Render()
}

func minutes(seconds float64) string {
	return fmt.Sprintf("%.3f", seconds/60.0)
}
