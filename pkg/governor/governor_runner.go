package governor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/processfile"
	"github.com/core-tools/hsu-governor/pkg/telemetry"
)

// ProcessFileName names the PID and port files of a running governor
const ProcessFileName = processfile.DefaultServiceName

// LoadOrInitConfig writes the default configuration when the file is missing or init is set,
// then loads and validates it
func LoadOrInitConfig(configFile string, init bool, logger logging.Logger) (*GovernorConfig, error) {
	_, statErr := os.Stat(configFile)
	if init || os.IsNotExist(statErr) {
		err := WriteDefaultConfig(configFile)
		switch {
		case err == nil:
			logger.Infof("Default configuration written to %s", configFile)
		case errors.IsConflictError(err):
			logger.Infof("Configuration file %s already exists, leaving it untouched", configFile)
		default:
			return nil, err
		}
	}

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return config, nil
}

// ValidateConfigFile validates a configuration file without running anything
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	return ValidateConfig(config)
}

// Run builds the host telemetry and a governor from config and serves until a signal,
// runDuration seconds (when positive) or a fatal accounting error
func Run(runDuration int, config *GovernorConfig, logger logging.Logger) error {
	logger.Infof("Governor runner starting...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	passwd := config.Governor.PasswdFile
	if passwd == "" {
		passwd = telemetry.DefaultPasswdPath
	}
	accounts, err := telemetry.ReadAccounts(passwd)
	if err != nil {
		return err
	}
	logger.Infof("Found %d local accounts in %s", len(accounts), passwd)

	telemetryLogger := logging.WithPrefix(logger, "telemetry: ")
	source := telemetry.NewHostSource(telemetry.NewGPUCollector(telemetryLogger), telemetryLogger)
	defer source.Close()

	governor, err := NewGovernor(config, source, accounts, logger)
	if err != nil {
		return err
	}

	files := processfile.NewProcessFileManager(processfile.DefaultConfig(), logging.WithPrefix(logger, "processfile: "))
	if err := files.WritePIDFile(ProcessFileName, os.Getpid()); err != nil {
		logger.Warnf("Continuing without PID file: %v", err)
	}
	if err := files.WritePortFile(ProcessFileName, governor.Port()); err != nil {
		logger.Warnf("Continuing without port file: %v", err)
	}
	defer func() {
		if err := files.RemoveFiles(ProcessFileName); err != nil {
			logger.Warnf("Failed to remove process files: %v", err)
		}
	}()

	if err := governor.Run(ctx); err != nil {
		return err
	}

	logger.Infof("Governor runner stopped")
	return nil
}
