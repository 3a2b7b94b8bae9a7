package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeYAML writes body to a fresh config file and returns its path.
func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slotkeeper.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom_Hierarchy(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
store:
  backend: memory
idempotency:
  backend: memory
  ttl: 2h
booking:
  grid: 5m
  max_alternatives: 5
auth:
  secret_file: /etc/slotkeeper/jwt
notifier:
  retention: 24h
`)
	t.Setenv("SLOTKEEPER_PORT", "7070")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"env beats yaml", cfg.Server.Port, "7070"},
		{"store", cfg.Store.Backend, "memory"},
		{"idempotency ttl", cfg.Idempotency.TTL, 2 * time.Hour},
		{"idempotency lease default", cfg.Idempotency.Lease, 2 * time.Minute},
		{"grid", cfg.Booking.Grid, 5 * time.Minute},
		{"max alternatives", cfg.Booking.MaxAlternatives, 5},
		{"max window default", cfg.Booking.MaxWindow, 31 * 24 * time.Hour},
		{"secret file", cfg.Auth.SecretFile, "/etc/slotkeeper/jwt"},
		{"retention", cfg.Notifier.Retention, 24 * time.Hour},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFrom_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", `{{{`, "config yaml"},
		{"empty port", "server:\n  port: \"\"\n", "server.port"},
		{"unknown store", "store:\n  backend: sqlite\n", "store.backend"},
		{"postgres idempotency on memory store", "store:\n  backend: memory\nidempotency:\n  backend: postgres\n", "requires store.backend postgres"},
		{"nats idempotency without nats", "nats:\n  url: \"\"\nidempotency:\n  backend: nats\n", "requires nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NATS_URL", "")
			_, err := LoadFrom(writeYAML(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFrom_MissingFileAndBadEnv(t *testing.T) {
	t.Setenv("SLOTKEEPER_PG_MAX_CONNS", "notanumber")
	t.Setenv("SLOTKEEPER_BREAKER_TIMEOUT", "soon")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing YAML should not error, got %v", err)
	}
	if cfg.Postgres.MaxConns != 15 || cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("malformed env should keep defaults: %d, %v", cfg.Postgres.MaxConns, cfg.Breaker.Timeout)
	}
}

func TestHolder_Reload(t *testing.T) {
	path := writeYAML(t, "logging:\n  level: info\nrate:\n  burst: 50\n")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	holder := NewHolder(cfg, path)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\nrate:\n  burst: 200\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := holder.Get(); got.Logging.Level != "debug" || got.Rate.Burst != 200 {
		t.Errorf("after reload: level %q burst %d", got.Logging.Level, got.Rate.Burst)
	}

	// An invalid file keeps the previous snapshot.
	if err := os.WriteFile(path, []byte("rate:\n  burst: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(); err == nil {
		t.Fatal("expected reload to fail")
	}
	if got := holder.Get(); got.Rate.Burst != 200 {
		t.Errorf("previous config lost: burst %d", got.Rate.Burst)
	}

	t.Setenv("SLOTKEEPER_LOG_LEVEL", "error")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := holder.Get().Logging.Level; got != "error" {
		t.Errorf("env should win on reload, got %q", got)
	}
}
