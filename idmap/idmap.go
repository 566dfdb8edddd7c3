// Package idmap persists the mapping from logical object names to the
// opaque ids the remote API assigned them. The map is a cache of record,
// not authoritative: entries can go stale when the remote side changes
// out-of-band, and callers are expected to rebuild it from a fresh folder
// listing on a miss.
package idmap

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("idmap")

// Map is a durable string-to-string store backed by a bbolt file.
type Map struct {
	db *bolt.DB
}

// Open opens (creating if needed) the map at path.
func Open(path string) (*Map, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open id map: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize id map: %w", err)
	}
	return &Map{db: db}, nil
}

// Get looks up the remote id for name. A missing entry is not an error.
func (m *Map) Get(name string) (id string, ok bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(name)); v != nil {
			id, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read id map: %w", err)
	}
	return id, ok, nil
}

// Set upserts the mapping for name. The entry is durable once Set returns.
func (m *Map) Set(name, id string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), []byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to write id map entry: %w", err)
	}
	return nil
}

// Delete removes the mapping for name, if present.
func (m *Map) Delete(name string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete id map entry: %w", err)
	}
	return nil
}

// Reset atomically discards every entry. Used when the remote folder itself
// is recreated, at which point all stored ids are meaningless.
func (m *Map) Reset() error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset id map: %w", err)
	}
	return nil
}

// Replace atomically swaps the whole map for entries. A folder listing uses
// this to refresh every known mapping in one shot.
func (m *Map) Replace(entries map[string]string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for name, id := range entries {
			if err := b.Put([]byte(name), []byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace id map: %w", err)
	}
	return nil
}

// Len reports the number of entries.
func (m *Map) Len() (int, error) {
	var n int
	err := m.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read id map stats: %w", err)
	}
	return n, nil
}

// Close releases the backing file.
func (m *Map) Close() error {
	return m.db.Close()
}
