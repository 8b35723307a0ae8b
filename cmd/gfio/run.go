package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brickingsoft/gfio"
	"github.com/google/subcommands"
)

type runCmd struct {
	config      string
	engine      string
	load        int
	concurrency int
	logLevel    string
}

func (*runCmd) Name() string {
	return "run"
}

func (*runCmd) Synopsis() string {
	return "run the I/O core until interrupted"
}

func (*runCmd) Usage() string {
	return `run [-config file] [-engine name] [-load n] [-concurrency n]:
  Runs the I/O core. With -load, n requests are submitted at startup.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "TOML configuration file")
	f.StringVar(&r.engine, "engine", "", "I/O engine: io_uring or legacy (default: first available)")
	f.IntVar(&r.load, "load", 0, "number of requests submitted at startup")
	f.IntVar(&r.concurrency, "concurrency", 0, "number of goroutines submitting the load")
	f.StringVar(&r.logLevel, "log-level", "", "log level")
}

func (r *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig(r.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	if r.engine != "" {
		cfg.Engine = r.engine
	}
	if r.load > 0 {
		cfg.Load.Requests = r.load
	}
	if r.concurrency > 0 {
		cfg.Load.Concurrency = r.concurrency
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	logger, err := cfg.logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	core, err := gfio.New(cfg.options(logger)...)
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return subcommands.ExitUsageError
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case sig := <-signals:
			logger.WithField("signal", sig).Info("terminating")
			core.Terminate(nil)
		case <-stopped:
		}
	}()

	w := newWorkload(cfg.Load, logger)
	handlers := gfio.Handlers{
		Setup:   w.setup,
		Cleanup: w.cleanup,
	}
	if err = core.Run(ctx, handlers, nil); err != nil {
		logger.WithError(err).Error("I/O core failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
