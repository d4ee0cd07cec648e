package keystore

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// DefaultBucket is the bolt bucket holding static keypair records.
const DefaultBucket = "static-keys"

// BoltBackend stores records in a single bolt bucket. Every Put is one
// transaction, which gives the per-key atomicity Store relies on.
type BoltBackend struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltBackend opens (or creates) the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	b := &BoltBackend{db: db, bucket: []byte(DefaultBucket)}

	if terr := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	}); terr != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", terr)
	}

	return b, nil
}

func (b *BoltBackend) Get(key string) ([]byte, error) {
	var value []byte

	if err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction.
		value = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}

	return value, nil
}

func (b *BoltBackend) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *BoltBackend) Keys() ([]string, error) {
	var keys []string

	if err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, v []byte) error {
			// Probably some subbucket.
			if v == nil {
				return nil
			}
			keys = append(keys, string(k))
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return keys, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
