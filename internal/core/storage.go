package core

import (
	"fmt"

	"fieldcore/internal/config"
	"fieldcore/internal/infra/persistence/memory"
	"fieldcore/internal/infra/persistence/sqlite"
	"fieldcore/pkg/domain"
)

// StorageDriver identifies a concrete local store implementation.
type StorageDriver string

const (
	// StorageMemory is in-memory only (tests / ephemeral).
	StorageMemory StorageDriver = "memory"
	// StorageSQLite is the embedded sqlite file (default).
	StorageSQLite StorageDriver = "sqlite"
)

// OpenLocalStore selects a local store backend from configuration.
func OpenLocalStore(cfg config.StorageConfig) (domain.LocalStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
