package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyralabs/gravityrouter/internal/config"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatcherReloadsConfigAndAccounts(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	accountPath := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(configPath, []byte("port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(accountPath, []byte(`{"version":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	configCh := make(chan struct{}, 4)
	accountCh := make(chan struct{}, 4)
	w, err := NewWatcher(configPath, accountPath,
		func(cfg *config.Config) {
			if cfg.Port == 9001 {
				configCh <- struct{}{}
			}
		},
		func() { accountCh <- struct{}{} },
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err = os.WriteFile(configPath, []byte("port: 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, configCh, "config reload")

	if err = os.WriteFile(accountPath, []byte(`{"version":1,"accounts":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, accountCh, "account reload")
}

func TestWatcherIgnoresUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	accountPath := filepath.Join(dir, "accounts.json")
	content := []byte("port: 9000\n")
	if err := os.WriteFile(configPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	calls := make(chan struct{}, 4)
	w, err := NewWatcher(configPath, accountPath,
		func(*config.Config) { calls <- struct{}{} },
		nil,
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err = os.WriteFile(configPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, calls, "initial reload")

	// Identical rewrite: the hash check swallows it.
	if err = os.WriteFile(configPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-calls:
		t.Fatal("reload fired for unchanged content")
	case <-time.After(500 * time.Millisecond):
	}
}
