package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"portability/internal/config"
	"portability/internal/db"
	"portability/internal/engine"
	"portability/internal/migrate"
	"portability/internal/storage"
)

// Options select the workspace and the overrides given on the command line or environment.
type Options struct {
	Workspace    string
	ConfigPath   string
	ArtifactsURL string
	Token        string
	Logger       *log.Logger
}

// Runtime is an opened workspace: its config, database, artifact store and engine.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     *storage.Store
	Engine    engine.Engine
}

// ResolveConfig loads the config from an explicit path, else from the workspace,
// else falls back to the built-in defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// ArtifactsURL picks the artifact location: override, then config, then the workspace default.
func ArtifactsURL(workspace, override string, cfg *config.Config) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if cfg != nil && strings.TrimSpace(cfg.ArtifactsURL) != "" {
		return cfg.ArtifactsURL
	}
	return db.ArtifactsDir(workspace)
}

// Open resolves config, opens and migrates the database and assembles the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := ResolveConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := storage.New(ArtifactsURL(workspace, opts.ArtifactsURL, cfg))
	e := engine.New(conn, cfg, engine.Options{
		Store:      store,
		ScratchDir: db.ScratchDir(workspace),
		Logger:     opts.Logger,
	})
	return &Runtime{Workspace: workspace, Config: cfg, DB: conn, Store: store, Engine: e}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
