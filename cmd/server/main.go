package main

import (
	"flag"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/cmd"
	"github.com/lyralabs/gravityrouter/internal/config"
	"github.com/lyralabs/gravityrouter/internal/logging"
	"github.com/lyralabs/gravityrouter/internal/pool"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var addAccount string
	var projectID string
	var email string

	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.StringVar(&addAccount, "add-account", "", "Refresh token of an account to add to the pool")
	flag.StringVar(&projectID, "project_id", "", "Project ID")
	flag.StringVar(&email, "email", "", "Account email label")
	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if strings.HasPrefix(cfg.AccountFile, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			log.Fatalf("failed to get home directory: %v", errHome)
		}
		cfg.AccountFile = path.Join(home, strings.TrimPrefix(cfg.AccountFile, "~"))
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	if addAccount != "" {
		doAddAccount(cfg, addAccount, projectID, email)
		return
	}

	cmd.StartService(cfg, configPath)
}

func doAddAccount(cfg *config.Config, refreshToken, projectID, email string) {
	store, closeStore, err := cmd.OpenStore(cfg)
	if err != nil {
		log.Fatalf("failed to open account store: %v", err)
	}
	defer closeStore()

	manager := pool.NewManager(store)
	data, err := store.Load()
	if err != nil {
		log.Fatalf("failed to load account pool: %v", err)
	}
	manager.Load(data)

	account := manager.AddOrUpdate(pool.Credential{
		Email:        email,
		ProjectID:    projectID,
		RefreshToken: refreshToken,
	})
	log.Infof("account %d (%s) saved to %s", account.Index, account.Email, cfg.AccountFile)
}
