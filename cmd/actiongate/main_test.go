package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/actiongate/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nACTIONGATE_TEST_ENV_A=from-file\nACTIONGATE_TEST_ENV_B=ignored\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("ACTIONGATE_TEST_ENV_A", "")
	t.Setenv("ACTIONGATE_TEST_ENV_B", "preset")
	os.Unsetenv("ACTIONGATE_TEST_ENV_A")

	loadDotEnv(path)

	if got := os.Getenv("ACTIONGATE_TEST_ENV_A"); got != "from-file" {
		t.Fatalf("A = %q, want from-file", got)
	}
	// Existing env always wins over the file.
	if got := os.Getenv("ACTIONGATE_TEST_ENV_B"); got != "preset" {
		t.Fatalf("B = %q, want preset", got)
	}
}

func TestWriteStarterConfig(t *testing.T) {
	dir := t.TempDir()
	if err := writeStarterConfig(dir); err != nil {
		t.Fatalf("write starter config: %v", err)
	}
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("starter config still flagged as genesis")
	}
	if cfg.BindAddr != "127.0.0.1:18980" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
}

func TestRunStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("ACTIONGATE_HOME", dir)
	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := os.WriteFile(config.ConfigPath(dir), []byte("bind_addr: \""+addr+"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("status exit code = %d", code)
	}
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("bad usage exit code = %d", code)
	}
}
