package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pagewatch/config"
	"pagewatch/email"
	"pagewatch/pkg/watch"
	"pagewatch/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenStoreLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := &config.Config{Storage: config.StorageConfig{LocalPath: dir}}

	store, closeStore, err := openStore(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()

	if _, ok := store.(*storage.Store); !ok {
		t.Fatalf("openStore() = %T, want *storage.Store", store)
	}

	s := &watch.Session{
		ID:        "0192f0c1-0000-7000-8000-0000000000aa",
		Owner:     "owner@example.com",
		URL:       "https://shop.example/w",
		Selectors: []string{"#price"},
		State:     watch.StateActive,
		StartedAt: time.Now().UTC(),
	}
	if err := store.Save(context.Background(), s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rows, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != s.ID {
		t.Errorf("List() = %v, want the saved session", rows)
	}
}

func TestOpenStoreRedisUnreachable(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{RedisAddr: "127.0.0.1:1"}}
	if _, _, err := openStore(context.Background(), cfg, quietLogger()); err == nil {
		t.Error("openStore() error = nil, want ping failure")
	}
}

func TestNewEmailProviderBrevo(t *testing.T) {
	cfg := &config.Config{Email: config.EmailConfig{
		BrevoAPIKey: "key",
		FromAddr:    "alerts@example.com",
		FromName:    "Page Watch",
	}}
	if p := newEmailProvider(context.Background(), cfg, quietLogger()); p == nil {
		t.Fatal("newEmailProvider() = nil")
	} else if _, ok := p.(*email.BrevoProvider); !ok {
		t.Errorf("newEmailProvider() = %T, want *email.BrevoProvider", p)
	}
}

func TestNewEmailProviderFallsBackToMock(t *testing.T) {
	if testing.Short() {
		t.Skip("queries the GCP metadata server")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	p := newEmailProvider(ctx, &config.Config{}, quietLogger())
	if _, ok := p.(*email.MockProvider); !ok && !isCloudRun(ctx) {
		t.Errorf("newEmailProvider() = %T, want *email.MockProvider", p)
	}
}
