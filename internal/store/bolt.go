package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

var (
	bucketRemediation = []byte("remediation")
	keyState          = []byte("state")
)

// BoltStore keeps the state blob in a local bbolt file. Each Save is one
// bbolt transaction, so a reader never sees a half-written state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRemediation); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRemediation, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load returns the stored state, or an empty one that is persisted first.
func (s *BoltStore) Load(ctx context.Context) (*remediation.ControllerState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRemediation).Get(keyState); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if data == nil {
		state := remediation.NewControllerState()
		if err := s.Save(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	return decode(data)
}

// Save replaces the stored state.
func (s *BoltStore) Save(_ context.Context, state *remediation.ControllerState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRemediation).Put(keyState, data)
	})
}
