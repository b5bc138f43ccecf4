package main

import (
	"flag"
	"os"

	"github.com/louisbranch/gamekeep/internal/platform/config"
	"github.com/louisbranch/gamekeep/internal/tools/kmskey"
)

func main() {
	cfg, err := kmskey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := kmskey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
