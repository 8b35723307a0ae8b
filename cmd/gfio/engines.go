package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/brickingsoft/gfio"
	"github.com/brickingsoft/gfio/pkg/aio"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

type enginesCmd struct {
	verbose bool
}

func (*enginesCmd) Name() string {
	return "engines"
}

func (*enginesCmd) Synopsis() string {
	return "report the I/O engines available on this host"
}

func (*enginesCmd) Usage() string {
	return `engines [-v]:
  Sets up and releases every I/O engine, in order of preference.
`
}

func (p *enginesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.verbose, "v", false, "log the engine setup")
}

func (p *enginesCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if p.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	engines, err := gfio.Engines(gfio.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tMODE\tSTATUS\tWORKERS")
	available := 0
	for _, engine := range engines {
		workers, setupErr := engine.Setup(idleDispatcher{logger: logger})
		if setupErr != nil {
			fmt.Fprintf(tw, "%s\t%s\tunavailable: %v\t-\n", engine.Name(), engine.Mode(), setupErr)
			continue
		}
		engine.Cleanup()
		available++
		fmt.Fprintf(tw, "%s\t%s\tavailable\t%d\n", engine.Name(), engine.Mode(), workers)
	}
	_ = tw.Flush()

	if ops, opsErr := ringOps(); opsErr == nil {
		fmt.Printf("\nio_uring operations: %s\n", strings.Join(ops, " "))
	}
	if available == 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// idleDispatcher receives nothing: engines are released right after their
// setup.
type idleDispatcher struct {
	logger logrus.FieldLogger
}

func (idleDispatcher) Complete(_ *aio.Worker, _ uint64, _ aio.ID, _ int32) {}

func (idleDispatcher) Current() *aio.Worker {
	return nil
}

func (d idleDispatcher) Abort(reason string) {
	d.logger.Error(reason)
}
