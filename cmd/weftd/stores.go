package main

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/weftworks/weft/internal/persistence"
)

// openStores opens the configured backend and returns the store set
// plus a close function. The engine and the sweeper share the same
// stores so both see the same database.
func openStores(cfg *serverConfig) (persistence.Stores, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		mem := persistence.NewInMemoryStore()
		return persistence.Stores{
			Definitions: mem,
			Runs:        mem,
			Logs:        mem,
			Dedup:       mem,
		}, func() error { return nil }, nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return persistence.Stores{}, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc.org/sqlite serializes writes itself; a single
		// connection avoids SQLITE_BUSY under concurrent step persists.
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return persistence.Stores{}, nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return persistence.Stores{
			Definitions: store,
			Runs:        store,
			Logs:        store,
			Dedup:       store,
		}, db.Close, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return persistence.Stores{}, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return persistence.Stores{}, nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return persistence.Stores{
			Definitions: store,
			Runs:        store,
			Logs:        store,
			Dedup:       store,
		}, db.Close, nil
	}
	return persistence.Stores{}, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
