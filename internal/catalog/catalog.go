// Package catalog persists bundle records and the engine's pointer keys.
//
// A catalog holds two keyspaces: records, keyed by bundle id with the
// serialized record as value, and meta, a handful of string pointers such
// as the active bundle id. Every read and write happens inside a transaction
// so callers observe either all or none of a multi-key change.
package catalog

import (
	"context"
	"fmt"

	"github.com/pddg/liveupdate/internal/errdefs"
)

const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Tx is a catalog transaction. Values returned by Tx are safe to keep after the transaction ends.
type Tx interface {
	// Record returns the serialized record for id or errdefs.ErrNotFound.
	Record(id string) ([]byte, error)
	// ForEachRecord visits every record in id order.
	ForEachRecord(fn func(id string, data []byte) error) error
	PutRecord(id string, data []byte) error
	// DeleteRecord removes id. Missing ids are not an error.
	DeleteRecord(id string) error
	// Meta returns the value of key, or "" when unset.
	Meta(key string) (string, error)
	PutMeta(key, value string) error
	DeleteMeta(key string) error
}

type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a read-write transaction that commits when fn returns nil.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Open opens the catalog at path with the given driver, creating it if needed.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBolt, "":
		return OpenBolt(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("catalog.Open: unknown driver %q: %w", driver, errdefs.ErrConfig)
	}
}
