// Package db opens the sqlite run ledger and keeps its schema migrated.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Memory is the path of a private in-memory ledger.
const Memory = ":memory:"

type pragma struct {
	name     string
	value    string
	optional bool
	fileOnly bool
}

var pragmas = []pragma{
	{name: "foreign_keys", value: "ON"},
	{name: "busy_timeout", value: "5000"},
	{name: "journal_mode", value: "WAL", optional: true, fileOnly: true},
	{name: "synchronous", value: "NORMAL", optional: true, fileOnly: true},
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its settings in package globals.
var migrateMu sync.Mutex

// Open opens the ledger at path, creating its directory, and migrates it to
// the latest schema.
func Open(path string) (*sql.DB, error) {
	memory := path == Memory
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	ledger, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// one connection: :memory: stays shared and writes are serialized
	ledger.SetMaxOpenConns(1)
	ledger.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if memory && p.fileOnly {
			continue
		}
		if _, err := ledger.Exec(fmt.Sprintf("PRAGMA %s=%s;", p.name, p.value)); err != nil {
			if p.optional {
				log.Warn().Err(err).Str("pragma", p.name).Msg("ledger: optional pragma not applied")
				continue
			}
			_ = ledger.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", p.name, err)
		}
	}

	version, err := migrate(ledger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Int64("schema_version", version).Msg("ledger opened")
	return ledger, nil
}

func migrate(ledger *sql.DB) (int64, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(ledger, "migrations"); err != nil {
		return 0, fmt.Errorf("migrate ledger: %w", err)
	}
	version, err := goose.GetDBVersion(ledger)
	if err != nil {
		return 0, fmt.Errorf("read ledger version: %w", err)
	}
	return version, nil
}
