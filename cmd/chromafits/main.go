package main

import (
	"fmt"
	"os"

	"chromafits/internal/cache"
	"chromafits/internal/cli"
	"chromafits/internal/config"
	"chromafits/internal/generate"
	"chromafits/internal/logging"
	"chromafits/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chromafits:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	cacheStore, err := cache.Open(cfg.Cache.Dir, cfg.Cache.Capacity, log)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cacheStore.Close()

	exec := generate.New(cfg, log, cacheStore, store)

	return cli.NewRootCmd(cfg, log, store, exec).Execute()
}
