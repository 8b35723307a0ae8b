package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/brickingsoft/gfio/pkg/kernel"
	"github.com/google/subcommands"
)

type versionCmd struct{}

func (*versionCmd) Name() string {
	return "version"
}

func (*versionCmd) Synopsis() string {
	return "print the version of gfio and of the kernel"
}

func (*versionCmd) Usage() string {
	return "version:\n  Prints the module, Go and kernel versions.\n"
}

func (*versionCmd) SetFlags(_ *flag.FlagSet) {}

func (*versionCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Printf("gfio %s %s/%s %s\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	if k, err := kernel.Get(); err == nil {
		fmt.Printf("kernel %s\n", k)
	} else {
		fmt.Printf("kernel unknown: %v\n", err)
	}
	return subcommands.ExitSuccess
}
