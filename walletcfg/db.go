package walletcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// BoltBackend persists accounts in a bbolt database.
	BoltBackend = "bolt"

	// MemoryBackend keeps accounts in memory only, they are lost on
	// restart unless exported.
	MemoryBackend = "memory"

	// DefaultDBFileName is the file name of the bolt database.
	DefaultDBFileName = "wallet.db"
)

// DB holds the storage options.
//
//nolint:ll
type DB struct {
	Backend string `long:"backend" description:"The selected database backend." choice:"bolt" choice:"memory"`

	FileName string `long:"filename" description:"File name of the bolt database inside the data directory."`

	Timeout time.Duration `long:"timeout" description:"Time to wait for the database lock before failing."`
}

// DefaultDB returns the default storage options.
func DefaultDB() *DB {
	return &DB{
		Backend:  BoltBackend,
		FileName: DefaultDBFileName,
		Timeout:  kvdb.DefaultDBTimeout,
	}
}

// Validate checks the storage options.
func (db *DB) Validate() error {
	switch db.Backend {
	case BoltBackend:
		if db.FileName == "" {
			return fmt.Errorf("db.filename must be set for the " +
				"bolt backend")
		}

	case MemoryBackend:

	default:
		return fmt.Errorf("unknown db backend: %v", db.Backend)
	}

	return nil
}
