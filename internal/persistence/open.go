package persistence

import (
	"context"
	"fmt"
	"log/slog"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Open returns the store for driver. path is the SQLite file or the Badger
// directory and is ignored by the memory driver.
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBadger:
		s, err := OpenBadger(path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("persistence: unknown driver %q", driver)
	}
}
