// Package main provides the oniontrace driver executable.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/go-oniontrace/pkg/config"
	"github.com/opd-ai/go-oniontrace/pkg/driver"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/reactor"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (torrc format)")
	mode := flag.String("mode", "", "record or play (overrides config file)")
	traceFile := flag.String("trace-file", "", "Trace file to write (record) or read (play)")
	controlPort := flag.Int("control-port", 0, "Tor control port (default: 9051)")
	runTime := flag.Int("run-time", -1, "Seconds to run before automatic shutdown (0 = until external stop)")
	heartbeat := flag.Int("heartbeat-interval", 0, "Seconds between heartbeat log lines")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	metricsPort := flag.Int("metrics-port", 0, "Enable the HTTP status server on this port (0 keeps the config file setting)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("oniontrace version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}

	applyFlagOverrides(cfg, *mode, *traceFile, *controlPort, *runTime, *heartbeat, *logLevel, *metricsPort)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if isTerminal(os.Stdout) {
		log = logger.NewTinted(level, os.Stdout)
	} else {
		log = logger.New(level, os.Stdout)
	}

	log.Info("starting oniontrace", "version", version, "build_time", buildTime, "mode", cfg.Mode, "trace_file", cfg.TraceFileName)

	if err := run(cfg, log); err != nil {
		log.Error("oniontrace exited with an error", "error", err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config, mode, traceFile string, controlPort, runTime, heartbeat int, logLevel string, metricsPort int) {
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if traceFile != "" {
		cfg.TraceFileName = traceFile
	}
	if controlPort != 0 {
		cfg.TorControlPort = uint16(controlPort)
	}
	if runTime >= 0 {
		cfg.RunTimeSeconds = uint32(runTime)
	}
	if heartbeat != 0 {
		cfg.HeartbeatIntervalSeconds = uint32(heartbeat)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsPort != 0 {
		cfg.MetricsPort = metricsPort
		cfg.EnableMetrics = true
	}
}

// run builds the reactor, the driver, and runs the event loop until a
// shutdown signal arrives or the reactor stops on its own (run-time
// elapsed, or a fatal construction failure forced it down).
func run(cfg *config.Config, log *logger.Logger) error {
	manager, err := reactor.NewManager()
	if err != nil {
		return fmt.Errorf("failed to create event manager: %w", err)
	}
	defer manager.Close()

	d := driver.New(cfg, manager, log)

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}

	// Manager.Stop must only be called from the reactor thread, so the
	// signal handler wakes the reactor through a notifier eventfd and the
	// notifier's own callback - running on that thread - calls Stop.
	sigNotifier, err := reactor.NewNotifier()
	if err != nil {
		return fmt.Errorf("failed to create signal notifier: %w", err)
	}
	defer sigNotifier.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sigRelay := make(chan os.Signal, 1)

	if err := manager.Register(sigNotifier.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
		sigNotifier.Drain()
		log.Info("received shutdown signal", "signal", <-sigRelay)
		manager.Stop()
	}); err != nil {
		return fmt.Errorf("failed to register signal notifier: %w", err)
	}

	go func() {
		sig := <-sigChan
		sigRelay <- sig
		sigNotifier.Signal()
	}()

	runErr := manager.Run()

	if err := d.Stop(); err != nil {
		log.Warning("error during driver shutdown", "error", err)
	}

	return runErr
}

// isTerminal reports whether f looks like an interactive terminal, used to
// decide between the tinted and plain text log handler.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
