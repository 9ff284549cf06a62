package regfile

import (
	"path/filepath"
	"testing"

	"github.com/lobsterd/lobsterd/internal/config"
)

func TestLoadConfigAbsentReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), filepath.Join(dir, "registry.json"))
	cfg, err := s.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VMMBinary != config.DefaultHostConfig().VMMBinary {
		t.Fatalf("expected defaulted config, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), filepath.Join(dir, "registry.json"))

	reg := config.DefaultRegistry()
	reg.Tenants = append(reg.Tenants, config.Tenant{Name: "alpha", CID: 3, Status: config.StatusActive})
	reg.NextCID = 4

	if err := s.SaveRegistry(reg); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}

	loaded, err := s.LoadRegistry()
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(loaded.Tenants) != 1 || loaded.Tenants[0].Name != "alpha" {
		t.Fatalf("loaded registry missing tenant: %+v", loaded)
	}
	if loaded.NextCID != 4 {
		t.Fatalf("NextCID = %d, want 4", loaded.NextCID)
	}
}

func TestWithRegistryAtomicUpdate(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), filepath.Join(dir, "registry.json"))

	err := s.WithRegistry(func(r *config.Registry) error {
		r.Tenants = append(r.Tenants, config.Tenant{Name: "beta"})
		r.NextCID++
		return nil
	})
	if err != nil {
		t.Fatalf("WithRegistry: %v", err)
	}

	reg, err := s.LoadRegistry()
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg.Find("beta") == nil {
		t.Fatal("expected beta to be persisted")
	}
	if reg.NextCID != config.DefaultRegistry().NextCID+1 {
		t.Fatalf("NextCID = %d", reg.NextCID)
	}
}

func TestLoadRegistryRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry.json")
	s := New(filepath.Join(dir, "config.json"), regPath)

	reg := config.DefaultRegistry()
	reg.Tenants = []config.Tenant{{Name: "dup"}, {Name: "dup"}}
	if err := s.SaveRegistry(reg); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}

	if _, err := s.LoadRegistry(); err == nil {
		t.Fatal("expected validation error for duplicate tenant names")
	}
}
