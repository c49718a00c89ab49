package resourcelimits

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

// ManagerConfig is the validated input of NewResourceManager
type ManagerConfig struct {
	Accounts        []UserAccount
	Users           []UserRules
	CommonRules     []Rule
	Filters         []RuleFilter
	RefreshInterval time.Duration

	// NoMatchPolicy defaults to NoMatchPolicyKill
	NoMatchPolicy NoMatchPolicy
	// EnforceTimeBudgets turns the consumption check and its kills on
	EnforceTimeBudgets bool
	// GCMissedCycles drops process trackers unseen for that many cycles, 0 keeps them forever
	GCMissedCycles int

	// Now is the clock, time.Now when nil
	Now func() time.Time
}

// ResourceManager runs the accounting cycle over every known user.
// It is not safe for concurrent use; callers share it behind a lock.
type ResourceManager struct {
	config   ManagerConfig
	source   TelemetrySource
	ledger   UsageLedger
	checker  ConsumptionChecker
	enforcer *processEnforcer
	logger   logging.Logger
	now      func() time.Time

	users  map[uint32]*UserRecord
	cycles uint64
}

func NewResourceManager(config ManagerConfig, source TelemetrySource, ledger UsageLedger, logger logging.Logger) (*ResourceManager, error) {
	if source == nil {
		return nil, errors.NewValidationError("telemetry source is required", nil)
	}
	if ledger == nil {
		return nil, errors.NewValidationError("usage ledger is required", nil)
	}
	if config.RefreshInterval <= 0 {
		return nil, errors.NewValidationError("refresh interval must be positive", nil).
			WithContext("refresh_interval", config.RefreshInterval)
	}
	switch config.NoMatchPolicy {
	case "":
		config.NoMatchPolicy = NoMatchPolicyKill
	case NoMatchPolicyKill, NoMatchPolicyIgnore:
	default:
		return nil, errors.NewValidationError("unknown no-match policy", nil).
			WithContext("policy", config.NoMatchPolicy)
	}
	if config.GCMissedCycles < 0 {
		return nil, errors.NewValidationError("gc missed cycles must not be negative", nil)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	rm := &ResourceManager{
		config:   config,
		source:   source,
		ledger:   ledger,
		checker:  NewConsumptionChecker(logger, now),
		enforcer: newProcessEnforcer(source, logger),
		logger:   logger,
		now:      now,
		users:    make(map[uint32]*UserRecord, len(config.Accounts)),
	}

	byName := make(map[string]*UserRecord, len(config.Accounts))
	for _, account := range config.Accounts {
		record := newUserRecord(account)
		rm.users[account.UID] = record
		byName[account.Name] = record
		// every account gets a backup row, even before it runs anything
		ledger.Record(account.UID, account.Name, Usage{})
	}

	for _, userRules := range config.Users {
		record, ok := byName[userRules.Name]
		if !ok {
			logger.Warnf("Configured user %s does not exist on this machine, ignored", userRules.Name)
			continue
		}
		rules := make([]Rule, 0, len(userRules.Rules)+len(config.CommonRules))
		rules = append(rules, userRules.Rules...)
		rules = append(rules, config.CommonRules...)
		record.manage(rules)
		logger.Infof("Managing user %s (uid %d) with %d rules", record.Name, record.UID, len(record.Rules))
	}

	return rm, nil
}

// MonitorUpdate takes a snapshot from the telemetry source and runs one cycle
func (rm *ResourceManager) MonitorUpdate(ctx context.Context) (*CycleReport, error) {
	processes, err := rm.source.Snapshot(ctx)
	if err != nil {
		return nil, errors.NewTelemetryError("failed to take process snapshot", err)
	}
	return rm.ApplySnapshot(processes), nil
}

// ApplySnapshot runs one accounting cycle over an already taken snapshot
func (rm *ResourceManager) ApplySnapshot(processes map[uint32][]ProcessSnapshot) *CycleReport {
	started := rm.now()
	report := &CycleReport{Started: started}

	uids := make([]uint32, 0, len(processes))
	for uid, snapshots := range processes {
		uids = append(uids, uid)
		report.Seen += len(snapshots)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	for _, uid := range uids {
		rm.userRecord(uid).clearTracked()
	}

	filtered := GlobalFilterRules(rm.config.Filters, processes)
	seen := make(map[uint32]map[int32]struct{}, len(uids))

	for _, uid := range uids {
		user := rm.users[uid]
		report.Filtered += len(processes[uid]) - len(filtered[uid])
		seen[uid] = rm.attributeUser(user, filtered[uid], started, report)
	}

	if rm.config.EnforceTimeBudgets {
		for _, uid := range uids {
			user := rm.users[uid]
			if !user.Managed {
				continue
			}
			rm.enforceUser(user, report)
		}
	}

	for _, user := range rm.users {
		if user.Managed {
			report.Collected += user.collectOrphans(seen[user.UID], rm.config.GCMissedCycles)
		}
	}

	report.Tracked = rm.TrackedProcesses()
	rm.cycles++
	report.Duration = rm.now().Sub(started)
	rm.logger.Debugf("Cycle %d: seen %d, filtered %d, attributed %d, unmatched %d, kills %d, collected %d",
		rm.cycles, report.Seen, report.Filtered, report.Attributed, report.Unmatched, len(report.Kills), report.Collected)
	return report
}

// attributeUser accounts every retained process of one user and returns the attributed pids
func (rm *ResourceManager) attributeUser(user *UserRecord, snapshots []ProcessSnapshot, now time.Time, report *CycleReport) map[int32]struct{} {
	attributed := make(map[int32]struct{}, len(snapshots))
	rules := user.RuleList()

	for _, snapshot := range snapshots {
		delta := UsageDelta(snapshot, rm.config.RefreshInterval)

		if !user.Managed {
			rm.ledger.Record(user.UID, user.Name, delta)
			continue
		}

		rule, ok := SelectRule(rules, snapshot)
		if !ok {
			report.Unmatched++
			if rm.config.NoMatchPolicy == NoMatchPolicyKill {
				report.Kills = append(report.Kills, rm.enforcer.terminate(user, snapshot.PID, "", KillReasonNoMatch))
			}
			continue
		}

		tracker, exists := user.Processes[snapshot.PID]
		if exists && !tracker.sameProcess(snapshot) {
			rm.logger.Debugf("Pid %d of user %s now belongs to a new process, tracking restarted", snapshot.PID, user.Name)
			exists = false
		}
		if !exists {
			tracker = newProcessTracker(snapshot, now)
			user.Processes[snapshot.PID] = tracker
		}
		tracker.update(snapshot, delta, now)
		user.Rules[rule.Name].attribute(snapshot.PID, delta)
		rm.ledger.Record(user.UID, user.Name, delta)

		attributed[snapshot.PID] = struct{}{}
		report.Attributed++
	}
	return attributed
}

func (rm *ResourceManager) enforceUser(user *UserRecord, report *CycleReport) {
	for _, tracker := range user.RuleTrackers() {
		if len(tracker.TrackedPIDs) == 0 {
			continue
		}
		violations := rm.checker.CheckConsumption(tracker)
		if len(violations) == 0 {
			continue
		}
		report.Violations = append(report.Violations, violations...)
		report.Kills = append(report.Kills, rm.enforcer.enforceConsumed(user, tracker)...)
	}
}

// userRecord returns the record of uid, creating one for accounts that appeared after startup
func (rm *ResourceManager) userRecord(uid uint32) *UserRecord {
	if user, ok := rm.users[uid]; ok {
		return user
	}
	name := strconv.FormatUint(uint64(uid), 10)
	user := newUserRecord(UserAccount{UID: uid, Name: name})
	rm.users[uid] = user
	rm.logger.Debugf("Tracking previously unknown uid %d", uid)
	return user
}

// LogUpdate flushes the ledger when a flush is due
func (rm *ResourceManager) LogUpdate() (string, error) {
	path, err := rm.ledger.Flush()
	if err != nil {
		return "", err
	}
	if path != "" {
		rm.logger.Infof("Usage ledger written to %s, next flush at %s",
			path, rm.ledger.NextFlush().Format("2006-01-02 15:04:05"))
	}
	return path, nil
}

// User returns the record of uid
func (rm *ResourceManager) User(uid uint32) (*UserRecord, bool) {
	user, ok := rm.users[uid]
	return user, ok
}

// Cycles returns the number of completed cycles
func (rm *ResourceManager) Cycles() uint64 {
	return rm.cycles
}

func (rm *ResourceManager) NextFlush() time.Time {
	return rm.ledger.NextFlush()
}

func (rm *ResourceManager) RefreshInterval() time.Duration {
	return rm.config.RefreshInterval
}

// TrackedProcesses counts process trackers across all users
func (rm *ResourceManager) TrackedProcesses() int {
	total := 0
	for _, user := range rm.users {
		total += len(user.Processes)
	}
	return total
}
