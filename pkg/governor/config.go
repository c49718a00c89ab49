package governor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-governor/pkg/control"
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

const (
	DefaultConfigPath      = "/etc/hsu-governor/governor.yaml"
	DefaultPort            = control.DefaultPort
	DefaultBindAddress     = "127.0.0.1"
	DefaultRefreshInterval = 1.0
	DefaultWorkers         = control.DefaultWorkers
	DefaultLogLevel        = "info"
	DefaultLedgerDir       = "/var/lib/hsu-governor/ledger"
	DefaultGCMissedCycles  = 3
	DefaultDisplayEvery    = 10
)

// GovernorConfig represents the top-level configuration file structure
type GovernorConfig struct {
	Governor    GovernorOptions             `yaml:"governor"`
	RuleFilters []resourcelimits.RuleFilter `yaml:"rule_filters"`
	CommonRules []resourcelimits.Rule       `yaml:"common_rules"`
	Users       []resourcelimits.UserRules  `yaml:"users"`
}

// GovernorOptions represents daemon-level configuration
type GovernorOptions struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	// RefreshInterval is in seconds and may be fractional
	RefreshInterval float64 `yaml:"refresh_interval"`
	Workers         int     `yaml:"workers"`
	LogLevel        string  `yaml:"log_level,omitempty"`
	LedgerDir       string  `yaml:"ledger_dir"`
	NoMatchPolicy   string  `yaml:"no_match_policy"`
	// Pointers distinguish unset from false/zero
	EnforceTimeBudgets *bool  `yaml:"enforce_time_budgets,omitempty"`
	GCMissedCycles     *int   `yaml:"gc_missed_cycles,omitempty"`
	DisplayEvery       *int   `yaml:"display_every,omitempty"`
	MetricsAddress     string `yaml:"metrics_address,omitempty"`
	PasswdFile         string `yaml:"passwd_file,omitempty"`
}

// Address is the control server listen address
func (o GovernorOptions) Address() string {
	return net.JoinHostPort(o.BindAddress, strconv.Itoa(o.Port))
}

func (o GovernorOptions) RefreshDuration() time.Duration {
	return time.Duration(o.RefreshInterval * float64(time.Second))
}

// LoadConfigFromFile loads governor configuration from a YAML (or JSON) file
func LoadConfigFromFile(filename string) (*GovernorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config GovernorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// DefaultConfig is what a fresh installation starts with: no managed users and no rules
func DefaultConfig() *GovernorConfig {
	config := &GovernorConfig{
		RuleFilters: []resourcelimits.RuleFilter{},
		CommonRules: []resourcelimits.Rule{},
		Users:       []resourcelimits.UserRules{},
	}
	setConfigDefaults(config)
	return config
}

// WriteDefaultConfig creates filename with DefaultConfig. An existing file is never overwritten.
func WriteDefaultConfig(filename string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return errors.NewInternalError("failed to encode default configuration", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return errors.NewIOError("failed to create configuration directory", err).WithContext("filename", filename)
	}

	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return errors.NewConflictError("configuration file already exists", err).WithContext("filename", filename)
	}
	if err != nil {
		return errors.NewIOError("failed to create configuration file", err).WithContext("filename", filename)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return errors.NewIOError("failed to write configuration file", err).WithContext("filename", filename)
	}
	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *GovernorConfig) {
	options := &config.Governor

	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.BindAddress == "" {
		options.BindAddress = DefaultBindAddress
	}
	if options.RefreshInterval == 0 {
		options.RefreshInterval = DefaultRefreshInterval
	}
	if options.Workers == 0 {
		options.Workers = DefaultWorkers
	}
	if options.LogLevel == "" {
		options.LogLevel = DefaultLogLevel
	}
	if options.LedgerDir == "" {
		options.LedgerDir = DefaultLedgerDir
	}
	if options.NoMatchPolicy == "" {
		options.NoMatchPolicy = string(resourcelimits.NoMatchPolicyKill)
	}
	if options.EnforceTimeBudgets == nil {
		enforce := true
		options.EnforceTimeBudgets = &enforce
	}
	if options.GCMissedCycles == nil {
		gc := DefaultGCMissedCycles
		options.GCMissedCycles = &gc
	}
	if options.DisplayEvery == nil {
		display := DefaultDisplayEvery
		options.DisplayEvery = &display
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *GovernorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateGovernorOptions(&config.Governor); err != nil {
		return errors.NewValidationError("invalid governor configuration", err)
	}

	for i, filter := range config.RuleFilters {
		if err := validateRuleFilter(filter); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid rule filter at index %d", i), err).
				WithContext("filter", filter.Name)
		}
	}

	common, err := validateRules(config.CommonRules, nil)
	if err != nil {
		return errors.NewValidationError("invalid common rules", err)
	}

	seenUsers := make(map[string]int)
	for i, user := range config.Users {
		if user.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("user name at index %d cannot be empty", i), nil)
		}
		if prev, exists := seenUsers[user.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate user '%s' found at indices %d and %d", user.Name, prev, i), nil)
		}
		seenUsers[user.Name] = i

		if _, err := validateRules(user.Rules, common); err != nil {
			return errors.NewValidationError("invalid rules", err).WithContext("user", user.Name)
		}
	}

	return nil
}

func validateGovernorOptions(options *GovernorOptions) error {
	if err := ValidatePort(options.Port); err != nil {
		return err
	}
	if net.ParseIP(options.BindAddress) == nil && options.BindAddress != "localhost" {
		return errors.NewValidationError("invalid bind address: "+options.BindAddress, nil)
	}
	if err := ValidateRefreshInterval(options.RefreshInterval); err != nil {
		return err
	}
	if options.Workers < 1 {
		return errors.NewValidationError(fmt.Sprintf("workers must be at least 1, got %d", options.Workers), nil)
	}
	if err := ValidateLogLevel(options.LogLevel); err != nil {
		return err
	}
	if options.LedgerDir == "" {
		return errors.NewValidationError("ledger directory cannot be empty", nil)
	}

	switch resourcelimits.NoMatchPolicy(options.NoMatchPolicy) {
	case resourcelimits.NoMatchPolicyKill, resourcelimits.NoMatchPolicyIgnore:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported no-match policy: %s", options.NoMatchPolicy), nil,
		).WithContext("supported_policies", "kill, ignore")
	}

	if options.GCMissedCycles != nil && *options.GCMissedCycles < 0 {
		return errors.NewValidationError("gc_missed_cycles cannot be negative", nil)
	}
	if options.DisplayEvery != nil && *options.DisplayEvery < 0 {
		return errors.NewValidationError("display_every cannot be negative", nil)
	}
	if options.MetricsAddress != "" {
		if err := ValidateNetworkAddress(options.MetricsAddress); err != nil {
			return err
		}
	}
	return nil
}

func validateRuleFilter(filter resourcelimits.RuleFilter) error {
	if err := ValidateRuleName(filter.Name); err != nil {
		return err
	}
	if filter.MaxCPUUsage < 0 || filter.MaxGPUUsage < 0 {
		return errors.NewValidationError("usage ceilings cannot be negative", nil)
	}
	return nil
}

// validateRules checks names are valid and unique, also against reserved (the common rules).
// It returns the set of names it saw.
func validateRules(rules []resourcelimits.Rule, reserved map[string]struct{}) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if err := ValidateRuleName(rule.Name); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid rule name at index %d", i), err)
		}
		if _, exists := seen[rule.Name]; exists {
			return nil, errors.NewValidationError("duplicate rule name", nil).WithContext("rule", rule.Name)
		}
		if _, exists := reserved[rule.Name]; exists {
			return nil, errors.NewValidationError("rule name collides with a common rule", nil).WithContext("rule", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}
	return seen, nil
}

// ManagerConfig turns the file into the accounting engine's configuration
func (c *GovernorConfig) ManagerConfig(accounts []resourcelimits.UserAccount) resourcelimits.ManagerConfig {
	return resourcelimits.ManagerConfig{
		Accounts:           accounts,
		Users:              c.Users,
		CommonRules:        c.CommonRules,
		Filters:            c.RuleFilters,
		RefreshInterval:    c.Governor.RefreshDuration(),
		NoMatchPolicy:      resourcelimits.NoMatchPolicy(c.Governor.NoMatchPolicy),
		EnforceTimeBudgets: c.Governor.EnforceTimeBudgets == nil || *c.Governor.EnforceTimeBudgets,
		GCMissedCycles:     intOr(c.Governor.GCMissedCycles, DefaultGCMissedCycles),
	}
}

func intOr(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	Address         string        `json:"address"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	LogLevel        string        `json:"log_level"`
	LedgerDir       string        `json:"ledger_dir"`
	NoMatchPolicy   string        `json:"no_match_policy"`
	Filters         int           `json:"filters"`
	CommonRules     int           `json:"common_rules"`
	Users           []UserSummary `json:"users"`
	Error           string        `json:"error,omitempty"`
}

type UserSummary struct {
	Name  string   `json:"name"`
	Rules []string `json:"rules"`
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *GovernorConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		Address:         config.Governor.Address(),
		RefreshInterval: config.Governor.RefreshDuration(),
		LogLevel:        config.Governor.LogLevel,
		LedgerDir:       config.Governor.LedgerDir,
		NoMatchPolicy:   config.Governor.NoMatchPolicy,
		Filters:         len(config.RuleFilters),
		CommonRules:     len(config.CommonRules),
		Users:           make([]UserSummary, 0, len(config.Users)),
	}

	for _, user := range config.Users {
		names := make([]string, 0, len(user.Rules)+len(config.CommonRules))
		for _, rule := range user.Rules {
			names = append(names, rule.Name)
		}
		for _, rule := range config.CommonRules {
			names = append(names, rule.Name)
		}
		summary.Users = append(summary.Users, UserSummary{Name: user.Name, Rules: names})
	}
	return summary
}
