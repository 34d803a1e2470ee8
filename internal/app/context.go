package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"rollup/internal/config"
	"rollup/internal/db"
	"rollup/internal/engine"
	"rollup/internal/migrate"
)

// App bundles what every command needs: an open, migrated workspace database,
// its rollup.yml and an engine wired to both.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open loads the workspace config (defaults when rollup.yml is absent),
// opens the database and applies pending migrations.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
