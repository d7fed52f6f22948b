package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageVersion is the current on-disk document version.
const StorageVersion = 1

// StorageData is the persisted account pool shape.
type StorageData struct {
	Version             int             `json:"version"`
	Accounts            []StoredAccount `json:"accounts"`
	ActiveIndexByFamily ActiveIndexes   `json:"activeIndexByFamily"`
}

// ActiveIndexes records the per-family pointers across restarts.
type ActiveIndexes struct {
	Claude int `json:"claude"`
	Gemini int `json:"gemini"`
}

// StoredAccount is the serialised form of one account. Access tokens are
// deliberately not persisted; they are re-derived from the refresh token.
type StoredAccount struct {
	Email               string               `json:"email,omitempty"`
	ProjectID           string               `json:"projectId"`
	RefreshToken        string               `json:"refreshToken"`
	AddedAt             time.Time            `json:"addedAt"`
	LastUsed            time.Time            `json:"lastUsed"`
	RateLimitResetTimes map[string]time.Time `json:"rateLimitResetTimes,omitempty"`
}

// Store is the persistence collaborator for the account pool.
type Store interface {
	Load() (*StorageData, error)
	Save(*StorageData) error
}

// FileStore persists the pool as a single JSON document, written atomically
// via a temp file rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore builds a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the storage document. A missing file yields an empty document
// rather than an error so first runs start from a clean pool.
func (s *FileStore) Load() (*StorageData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StorageData{Version: StorageVersion, ActiveIndexByFamily: ActiveIndexes{Claude: -1, Gemini: -1}}, nil
		}
		return nil, fmt.Errorf("account store: read failed: %w", err)
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

// Save writes the storage document atomically.
func (s *FileStore) Save(data *StorageData) error {
	if data == nil {
		return fmt.Errorf("account store: data is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("account store: create dir failed: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("account store: marshal failed: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("account store: write temp failed: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("account store: rename failed: %w", err)
	}
	return nil
}
