package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/viewkeys/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load([]string{
		"-store", "memory",
		"-plaintext",
		"-addr", "127.0.0.1:0",
		"-metrics-addr", "",
		"-jwt-key", "k",
		"-audit-key", hex.EncodeToString(bytes.Repeat([]byte{1}, 32)),
		"-keyring-dir", filepath.Join(t.TempDir(), "keyring"),
	}, func(string) string { return "" })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestBuild_MemoryStoreWithKeyring(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()
	lg := zaptest.NewLogger(t)

	d, err := build(ctx, cfg, lg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer d.close()

	// Owner profiles land in the keyring, key records in the store.
	id := uuid.Must(uuid.NewV4())
	if _, err := d.sharing.Vault().Enroll(ctx, id, []byte("pass")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	ref, _, err := d.sharing.Vault().Unlock(ctx, id, []byte("pass"), "127.0.0.1:1")
	if err != nil || ref == "" {
		t.Fatalf("unlock: %q %v", ref, err)
	}
	if _, _, err := d.sweeper.Once(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	s, err := newGRPCServer(cfg, d, lg)
	if err != nil {
		t.Fatalf("grpc server: %v", err)
	}
	if _, ok := s.GetServiceInfo()["viewkeys.v1.Sharing"]; !ok {
		t.Fatalf("sharing service not registered: %v", s.GetServiceInfo())
	}
	if _, ok := s.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
		t.Fatalf("health service not registered")
	}
	s.Stop()
}

func TestNewGRPCServer_MissingTLSFiles(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Plaintext = false
	cfg.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKey = cfg.TLSCert
	if _, err := newGRPCServer(cfg, &daemon{}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("want error for missing cert")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.SweepInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
}
