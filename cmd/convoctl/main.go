package main

import (
	"context"
	"fmt"
	"os"

	"convodb/internal/cli"
	"convodb/pkg/state/shutdown"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()
	if err := cli.NewRootCmd(version, commit).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
