// Package main starts the identity service process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	identitycmd "github.com/louisbranch/gamekeep/internal/cmd/identity"
	"github.com/louisbranch/gamekeep/internal/platform/config"
)

func main() {
	cfg, err := identitycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := identitycmd.Run(ctx, cfg); err != nil {
		config.Exitf("identity: %v", err)
	}
}
