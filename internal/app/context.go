package app

import (
	"database/sql"
	"fmt"

	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/policy"
)

// Open prepares a workspace for use: ensures the .gateline directory, opens
// the ledger, runs pending migrations and seeds the default policy file if
// none exists. Every entry point (CLI, server, tests) goes through here.
func Open(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	if err := policy.WriteDefault(workspace); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed policy: %w", err)
	}
	return conn, nil
}

// NewEngine opens the workspace and wires an engine on top of it.
func NewEngine(workspace string) (engine.Engine, error) {
	conn, err := Open(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(conn, workspace), nil
}
