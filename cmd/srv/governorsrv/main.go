package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-governor/pkg/governor"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

type flagOptions struct {
	Config      string `long:"config" description:"configuration file path" default:"/etc/hsu-governor/governor.yaml"`
	LogLevel    string `long:"log-level" description:"overrides the configured log level (debug, info, warn, error)"`
	LogFormat   string `long:"log-format" description:"console or json" default:"console"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds, 0 runs until signalled"`
	Init        bool   `long:"init" description:"write the default configuration file if it is missing and exit"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Format = opts.LogFormat
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger(logPrefix("hsu-governor"))
	logger.Infof("opts: %+v", opts)

	if opts.Validate {
		if err := governor.ValidateConfigFile(opts.Config); err != nil {
			logger.Errorf("Configuration is invalid: %v", err)
			os.Exit(1)
		}
		logger.Infof("Configuration %s is valid", opts.Config)
		return
	}

	config, err := governor.LoadOrInitConfig(opts.Config, opts.Init, logger)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if opts.Init {
		return
	}

	if opts.LogLevel == "" {
		if err := backend.SetLevel(config.Governor.LogLevel); err != nil {
			logger.Warnf("Keeping log level %s: %v", zapConfig.Level, err)
		}
	}

	summary := governor.GetConfigSummary(config)
	logger.Infof("Configuration: address %s, refresh %v, no-match policy %s, %d filters, %d common rules, %d users",
		summary.Address, summary.RefreshInterval, summary.NoMatchPolicy, summary.Filters, summary.CommonRules, len(summary.Users))

	if err := governor.Run(opts.RunDuration, config, logger); err != nil {
		logger.Errorf("Governor failed: %v", err)
		backend.Sync()
		os.Exit(1)
	}
}
