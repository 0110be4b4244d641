package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/viper"

	"github.com/metalagman/percept/internal/config"
	"github.com/metalagman/percept/internal/db"
)

// loadConfig reads the config file named by --config. The default path may
// be absent; an explicitly passed one must exist.
func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	return config.Load(viper.New(), config.LoadOptions{
		Path:     path,
		Required: path != defaultConfigPath,
		EnvFiles: []string{".env"},
	})
}

func openDB(cfg config.Config) (*sql.DB, func(), error) {
	if cfg.Ledger.Disabled {
		return nil, func() {}, fmt.Errorf("run ledger is disabled (ledger.disabled)")
	}
	storeDB, err := db.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, func() {}, err
	}
	return storeDB, func() { _ = storeDB.Close() }, nil
}
