package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxmill/voxmill/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
