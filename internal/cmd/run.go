// Package cmd wires the gateway together: account store, pool manager, API
// server, and the file watcher that hot-reloads configuration and accounts.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/api"
	"github.com/lyralabs/gravityrouter/internal/config"
	"github.com/lyralabs/gravityrouter/internal/logging"
	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/watcher"
)

// OpenStore creates the account store selected by the configuration.
func OpenStore(cfg *config.Config) (pool.Store, func(), error) {
	if cfg.AccountStore == "bolt" {
		store, err := pool.OpenBoltStore(cfg.AccountFile)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return pool.NewFileStore(cfg.AccountFile), func() {}, nil
}

// StartService runs the gateway until it receives SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	store, closeStore, err := OpenStore(cfg)
	if err != nil {
		log.Fatalf("failed to open account store: %v", err)
	}
	defer closeStore()

	manager := pool.NewManager(store)
	data, errLoad := store.Load()
	if errLoad != nil {
		log.Fatalf("failed to load account pool: %v", errLoad)
	}
	manager.Load(data)
	log.Infof("loaded %d account(s) from %s", manager.Len(), cfg.AccountFile)

	server := api.NewServer(cfg, manager, configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fileWatcher, errWatch := watcher.NewWatcher(configPath, cfg.AccountFile,
		func(newCfg *config.Config) {
			applyLogLevel(newCfg)
			if errOut := logging.ConfigureLogOutput(newCfg.LoggingToFile); errOut != nil {
				log.Errorf("failed to switch log output: %v", errOut)
			}
			server.UpdateConfig(newCfg)
		},
		func() { reloadAccounts(manager, store) },
	)
	if errWatch != nil {
		log.Fatalf("failed to create file watcher: %v", errWatch)
	}
	if errStart := fileWatcher.Start(ctx); errStart != nil {
		log.Fatalf("failed to start file watcher: %v", errStart)
	}
	defer func() { _ = fileWatcher.Stop() }()

	go func() {
		if errServe := server.Start(); errServe != nil {
			log.Fatalf("API server failed: %v", errServe)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if errStop := server.Shutdown(shutdownCtx); errStop != nil {
		log.Errorf("error stopping API server: %v", errStop)
	}
}

// reloadAccounts applies external edits to the account document. Writes the
// manager itself just made round-trip through the watcher; comparing against
// the in-memory snapshot drops those echoes so rotation state survives.
func reloadAccounts(manager *pool.Manager, store pool.Store) {
	data, err := store.Load()
	if err != nil {
		log.Errorf("failed to reload account pool: %v", err)
		return
	}
	onDisk, errDisk := json.Marshal(data)
	inMemory, errMem := json.Marshal(manager.Snapshot())
	if errDisk == nil && errMem == nil && bytes.Equal(onDisk, inMemory) {
		return
	}
	manager.Load(data)
	log.Infof("account pool reloaded: %d account(s)", manager.Len())
}

func applyLogLevel(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
