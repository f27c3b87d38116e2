package synccfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultDBFilename is the name of the bolt database holding the
	// consumer state.
	DefaultDBFilename = "chainsync.db"
)

// DB holds database configuration for chainsyncd.
//
//nolint:lll
type DB struct {
	NoFreelistSync bool          `long:"nofreelistsync" description:"Whether the database's free list should be synced to disk."`
	DBTimeout      time.Duration `long:"dbtimeout" description:"Specify the timeout value used when opening the database."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	if db.DBTimeout <= 0 {
		return fmt.Errorf("db.dbtimeout must be positive")
	}

	return nil
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
