package pool

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("accounts")
	boltKey    = []byte("pool")
)

// BoltStore persists the pool document inside a bbolt database. Useful when
// several documents share one state file or when atomic rename semantics of
// the filesystem are unreliable (network mounts).
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("account store: open bolt db failed: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(boltBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("account store: create bucket failed: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error { return s.db.Close() }

// Load reads the pool document; an absent key yields an empty document.
func (s *BoltStore) Load() (*StorageData, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(boltBucket).Get(boltKey); value != nil {
			raw = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("account store: bolt read failed: %w", err)
	}
	if raw == nil {
		return &StorageData{Version: StorageVersion, ActiveIndexByFamily: ActiveIndexes{Claude: -1, Gemini: -1}}, nil
	}
	var data StorageData
	if err = json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("account store: parse failed: %w", err)
	}
	if data.Version != StorageVersion {
		return nil, fmt.Errorf("account store: unsupported version %d", data.Version)
	}
	return &data, nil
}

// Save writes the pool document in a single transaction.
func (s *BoltStore) Save(data *StorageData) error {
	if data == nil {
		return fmt.Errorf("account store: data is nil")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("account store: marshal failed: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(boltKey, raw)
	})
	if err != nil {
		return fmt.Errorf("account store: bolt write failed: %w", err)
	}
	return nil
}
