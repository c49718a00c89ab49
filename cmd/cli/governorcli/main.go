package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-governor/pkg/control"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/processfile"
)

type flagOptions struct {
	Port     int    `long:"port" description:"control port, read from the governor's port file when omitted"`
	Address  string `long:"address" description:"governor host" default:"127.0.0.1"`
	Command  string `long:"command" description:"status, rules or ping" default:"status"`
	Timeout  int    `long:"timeout" description:"seconds to wait for the reply" default:"5"`
	LogLevel string `long:"log-level" description:"client log level" default:"warn"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
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
	zapConfig.Level = opts.LogLevel
	zapConfig.Output = "stderr"
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger(logPrefix("hsu-governor"))
	logger.Debugf("opts: %+v", opts)

	port := opts.Port
	if port == 0 {
		files := processfile.NewProcessFileManager(processfile.DefaultConfig(), logger)
		port, err = files.ReadPortFile(processfile.DefaultServiceName)
		if err != nil {
			logger.Infof("No port file, using default port %d: %v", control.DefaultPort, err)
			port = control.DefaultPort
		}
	}

	address := net.JoinHostPort(opts.Address, strconv.Itoa(port))
	timeout := time.Duration(opts.Timeout) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := control.SendCommand(ctx, address, opts.Command, timeout)
	if err != nil {
		logger.Errorf("Failed to send %q to %s: %v", opts.Command, address, err)
		backend.Sync()
		os.Exit(1)
	}

	fmt.Println(reply)
}
