package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Strob0t/slotkeeper/internal/secrets"
)

func TestNewVault_InitialLoad(t *testing.T) {
	v, err := secrets.NewVault(secrets.StaticLoader("k", "v"))
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	if got := v.Get("k"); got != "v" {
		t.Fatalf("expected 'v', got %q", got)
	}
	if got := v.Get("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		switch calls {
		case 1:
			return map[string]string{"KEY": "original"}, nil
		case 2:
			return nil, errors.New("unavailable")
		default:
			return map[string]string{"KEY": "rotated"}, nil
		}
	})
	get := v.Source("KEY")

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := get(); got != "original" {
		t.Fatalf("expected 'original' after failed reload, got %q", got)
	}
	if err := v.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := get(); got != "rotated" {
		t.Fatalf("expected 'rotated', got %q", got)
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(secrets.StaticLoader("K", "V"))

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() { _ = v.Get("K") })
		wg.Go(func() { _ = v.Reload() })
	}
	wg.Wait()
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v, err := secrets.NewVault(secrets.FileLoader(secrets.JWTSecret, path))
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Get(secrets.JWTSecret); got != "s3cret" {
		t.Errorf("got %q", got)
	}

	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(); err == nil {
		t.Error("expected error for empty file")
	}
	if got := v.Get(secrets.JWTSecret); got != "s3cret" {
		t.Errorf("value lost after failed reload: %q", got)
	}

	if _, err := secrets.NewVault(secrets.FileLoader("k", filepath.Join(t.TempDir(), "absent"))); err == nil {
		t.Error("expected error for missing file")
	}
}
