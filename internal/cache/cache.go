// Package cache provides the build-state sidecar kept inside a build directory.
//
// The native build tool keeps its own incremental state in the build
// directory; this package records what wheelforge needs on top of it so that
// repeated invocations can reuse that state safely:
//
//  1. The configure signature: the configuration fingerprint and generator of
//     the last successful configure step. A matching signature lets the driver
//     skip configure entirely.
//  2. Rebuild records: the freshness signal observed at the end of the last
//     successful editable rebuild, keyed by install destination.
//
// Metadata lives in a BoltDB file under <builddir>/.wheelforge/.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// StateDir is the sidecar directory inside a build directory
	StateDir = ".wheelforge"

	// dbName is the BoltDB file name inside StateDir
	dbName = "state.db"

	// bucket names
	configureBucket = "configure"
	rebuildBucket   = "rebuild"

	// signatureKey is the single key of the configure bucket
	signatureKey = "signature"
)

// OpenTimeout bounds how long New waits for another handle on the database
var OpenTimeout = 5 * time.Second

// Cache manages build-state metadata using BoltDB
type Cache struct {
	db *bbolt.DB
}

// New opens the state store of a build directory, creating it if needed
func New(buildDir string) (*Cache, error) {
	stateDir := filepath.Join(buildDir, StateDir)

	// Ensure state directory exists
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Open BoltDB
	dbPath := filepath.Join(stateDir, dbName)
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configureBucket, rebuildBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the state database
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}

	return nil
}

// ConfigureSignature returns the stored configure signature.
// Returns nil if no configure has succeeded yet.
func (c *Cache) ConfigureSignature() (*Signature, error) {
	var sig Signature

	found, err := c.get(configureBucket, signatureKey, &sig)
	if err != nil || !found {
		return nil, err
	}

	return &sig, nil
}

// StoreConfigureSignature records a successful configure
func (c *Cache) StoreConfigureSignature(sig Signature) error {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	if err := c.put(configureBucket, signatureKey, sig); err != nil {
		return fmt.Errorf("failed to store configure signature: %w", err)
	}

	return nil
}

// ClearConfigureSignature forgets the last configure, forcing the next one to run
func (c *Cache) ClearConfigureSignature() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(configureBucket)).Delete([]byte(signatureKey))
	})
}

// RebuildRecord returns the last successful rebuild for an install destination.
// Returns nil if the destination has never been rebuilt.
func (c *Cache) RebuildRecord(destination string) (*RebuildRecord, error) {
	var rec RebuildRecord

	found, err := c.get(rebuildBucket, destination, &rec)
	if err != nil || !found {
		return nil, err
	}

	return &rec, nil
}

// StoreRebuildRecord saves the freshness signal of a successful rebuild
func (c *Cache) StoreRebuildRecord(destination string, rec RebuildRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if err := c.put(rebuildBucket, destination, rec); err != nil {
		return fmt.Errorf("failed to store rebuild record: %w", err)
	}

	return nil
}

// ClearRebuildRecord forgets the last rebuild of a destination so the next trigger rebuilds
func (c *Cache) ClearRebuildRecord(destination string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(rebuildBucket)).Delete([]byte(destination))
	})
}

// Clear removes all state entries
func (c *Cache) Clear() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configureBucket, rebuildBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}

			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (c *Cache) get(bucket, key string, v any) (bool, error) {
	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return nil // Miss
		}

		found = true

		return json.Unmarshal(data, v)
	})

	return found, err
}

func (c *Cache) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}
