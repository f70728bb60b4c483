package main

import (
	"context"
	"testing"

	"lpwatch/internal/config"
	"lpwatch/internal/storage/memory"
)

func TestRedactDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://lp:secret@db:5432/lpwatch?sslmode=disable": "postgres://lp:xxxxx@db:5432/lpwatch?sslmode=disable",
		"postgres://db:5432/lpwatch":                           "postgres://db:5432/lpwatch",
		"./data/lpwatch.db":                                    "./data/lpwatch.db",
	}
	for in, want := range tests {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenStoreMemory(t *testing.T) {
	store, err := openStore(context.Background(), config.Config{Store: config.StoreMemory}, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("unexpected store %T", store)
	}

	if _, err := openStore(context.Background(), config.Config{Store: "mongo"}, true); err == nil {
		t.Fatalf("expected error for unsupported store")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("newLogger: %v", err)
	}
}
