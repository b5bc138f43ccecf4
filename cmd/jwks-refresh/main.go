// Package main runs the key set refresh job.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/gamekeep/internal/cmd/jwksrefresh"
	"github.com/louisbranch/gamekeep/internal/platform/config"
)

func main() {
	cfg, err := jwksrefresh.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := jwksrefresh.Run(ctx, cfg); err != nil {
		config.Exitf("refresh key set: %v", err)
	}
}
