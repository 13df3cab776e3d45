package main

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/marksync/marksync/internal/cache"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/remote"
)

func quietConfig() *orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.AutoSync = false
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func TestResolvedElsewhere(t *testing.T) {
	ctx := context.Background()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	host := remote.NewMemoryHost()

	// The daemon's session.
	daemon, err := orchestrator.New(remote.NewMemory(host, "", ""), cache.NewMirror(db, cache.MirrorKey), quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer daemon.Close()
	if err := daemon.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if ok, err := resolvedElsewhere(ctx, db, daemon); err != nil || ok {
		t.Fatalf("resolvedElsewhere() without conflict = %v, %v; want false", ok, err)
	}

	if err := daemon.AddCategory("Local"); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}
	docID := daemon.Status().DocumentID
	if _, err := host.Write(docID, "# Foreign\n"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if _, err := daemon.SyncWithRemote(ctx, nil); !errors.Is(err, orchestrator.ErrConflict) {
		t.Fatalf("SyncWithRemote() error = %v, want ErrConflict", err)
	}
	if ok, err := resolvedElsewhere(ctx, db, daemon); err != nil || ok {
		t.Fatalf("resolvedElsewhere() before resolution = %v, %v; want false", ok, err)
	}

	// A separate 'msync sync' process restores the same cache and keeps the
	// local version.
	cli, err := orchestrator.New(remote.NewMemory(host, "", ""), cache.NewMirror(db, cache.MirrorKey), quietConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer cli.Close()
	if err := cli.Initialize(ctx); !errors.Is(err, orchestrator.ErrConflict) {
		t.Fatalf("Initialize() error = %v, want ErrConflict", err)
	}
	if ok, _ := resolvedElsewhere(ctx, db, daemon); ok {
		t.Fatal("resolvedElsewhere() should stay false while the cache is dirty")
	}
	if err := cli.ActiveConflict().SaveLocal(ctx); err != nil {
		t.Fatalf("SaveLocal() failed: %v", err)
	}

	ok, err := resolvedElsewhere(ctx, db, daemon)
	if err != nil {
		t.Fatalf("resolvedElsewhere() failed: %v", err)
	}
	if !ok {
		t.Error("resolvedElsewhere() = false after another process resolved the conflict")
	}
}
