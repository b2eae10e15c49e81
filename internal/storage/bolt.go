package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltFile is the database file created under the data path.
const BoltFile = "risk-state.db"

// BoltStore keeps every bucket in one BoltDB file.
type BoltStore struct {
	db *bbolt.DB
}

var _ KV = (*BoltStore)(nil)

// NewBoltStore opens or creates the state database under dataPath.
func NewBoltStore(dataPath string) (*BoltStore, error) {
	dbPath := filepath.Join(dataPath, BoltFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close is safe to call more than once.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BoltStore) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// v is only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (s *BoltStore) Put(_ context.Context, bucket, key string, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("create %s bucket: %w", bucket, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(_ context.Context, bucket, key string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Scan(_ context.Context, bucket, prefix string, fn func(string, []byte) error) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}
