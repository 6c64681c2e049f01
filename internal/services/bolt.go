package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/havinci/havinci-web/internal/models"
	bolt "go.etcd.io/bbolt"
)

var viewsBucket = []byte("views")

// BoltDB implements the Store interface using a BoltDB backend. It keeps one snapshot per browser view so
// that a view survives a server restart for as long as the browser keeps its view cookie.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(viewsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create views bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// View retrieves the snapshot stored for id. The boolean is false when no snapshot exists.
func (b BoltDB) View(_ context.Context, id string) (models.View, bool, error) {
	var view models.View
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(viewsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &view); err != nil {
			return fmt.Errorf("failed to unmarshal view: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return models.View{}, false, err
	}
	return view, found, nil
}

// SaveView stores view, replacing any previous snapshot with the same ID.
func (b BoltDB) SaveView(_ context.Context, view models.View) error {
	v, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(viewsBucket).Put([]byte(view.ID), v)
	})
}

// DeleteView removes the snapshot stored for id. Deleting a missing view is not an error.
func (b BoltDB) DeleteView(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(viewsBucket).Delete([]byte(id))
	})
}

// DeleteViewsBefore removes every snapshot last updated before cutoff and returns how many were removed.
func (b BoltDB) DeleteViewsBefore(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(viewsBucket)

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var view models.View
			if err := json.Unmarshal(v, &view); err != nil {
				// Unreadable snapshots cannot be restored either.
				stale = append(stale, k)
				return nil
			}
			if view.UpdatedAt.Before(cutoff) {
				stale = append(stale, k)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete view: %w", err)
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
