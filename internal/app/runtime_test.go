package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"portability/internal/config"
	"portability/internal/db"
)

func TestOpenWithDefaults(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Identifier != "email" {
		t.Fatalf("expected default config, got %+v", rt.Config)
	}
	if rt.Store.BaseURL() != db.ArtifactsDir(dir) {
		t.Fatalf("artifacts url = %s", rt.Store.BaseURL())
	}
	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if rt.Engine.Exporter == nil || rt.Engine.Notifier == nil {
		t.Fatalf("engine not fully wired")
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	raw := "identifier: id\napproval:\n  skip: true\nartifacts_url: " + filepath.Join(dir, "exports") + "\n"
	if err := os.WriteFile(config.Path(dir), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := Open(context.Background(), Options{Workspace: dir, Token: "from-env"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if !rt.Config.Approval.Skip || rt.Config.Identifier != "id" || rt.Config.Token != "from-env" {
		t.Fatalf("config not loaded: %+v", rt.Config)
	}
	if !strings.HasSuffix(rt.Store.BaseURL(), "exports") {
		t.Fatalf("artifacts url = %s", rt.Store.BaseURL())
	}
}

func TestResolveConfigExplicitPath(t *testing.T) {
	dir := t.TempDir()
	if _, err := ResolveConfig(dir, filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
	if got := ArtifactsURL(dir, "mem://localhost/exports", nil); got != "mem://localhost/exports" {
		t.Fatalf("override ignored: %s", got)
	}
}
