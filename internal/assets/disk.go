package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiskStore persists each asset as a data file plus a JSON metadata
// sidecar under one directory. Survives restarts; metadata is reloaded
// lazily by id.
type DiskStore struct {
	mu  sync.Mutex
	dir string
	ttl time.Duration
}

type diskMeta struct {
	SessionID   string    `json:"session_id"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewDiskStore(dir string, ttl time.Duration) (*DiskStore, error) {
	if dir == "" {
		dir = ".assets"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create asset dir %s: %w", dir, err)
	}
	return &DiskStore{dir: dir, ttl: ttl}, nil
}

func (s *DiskStore) Put(_ context.Context, data []byte, contentType, sessionID string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	meta := diskMeta{
		SessionID:   sessionID,
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode asset metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.dataPath(id), data, 0o600); err != nil {
		return "", fmt.Errorf("write asset %s: %w", id, err)
	}
	if err := os.WriteFile(s.metaPath(id), rawMeta, 0o600); err != nil {
		_ = os.Remove(s.dataPath(id))
		return "", fmt.Errorf("write asset metadata %s: %w", id, err)
	}
	return id, nil
}

func (s *DiskStore) Get(ctx context.Context, id string) (*Record, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return nil, ErrNotFound
	}
	r := &Record{
		ID:          id,
		SessionID:   meta.SessionID,
		ContentType: meta.ContentType,
		CreatedAt:   meta.CreatedAt,
		ExpiresAt:   meta.ExpiresAt,
	}
	if r.Expired(time.Now().UTC()) {
		s.removeLocked(id)
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.dataPath(id))
	if err != nil {
		return nil, ErrNotFound
	}
	r.Data = data
	return r, nil
}

func (s *DiskStore) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

func (s *DiskStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("scan asset dir: %w", err)
	}
	now := time.Now().UTC()
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id := name[:len(name)-len(".json")]
		meta, err := s.readMeta(id)
		if err != nil {
			continue
		}
		if now.After(meta.ExpiresAt) {
			s.removeLocked(id)
			removed++
		}
	}
	return removed, nil
}

func (s *DiskStore) Close() error { return nil }

func (s *DiskStore) readMeta(id string) (diskMeta, error) {
	raw, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return diskMeta{}, err
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return diskMeta{}, err
	}
	return meta, nil
}

func (s *DiskStore) removeLocked(id string) {
	_ = os.Remove(s.dataPath(id))
	_ = os.Remove(s.metaPath(id))
}

func (s *DiskStore) dataPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// validID rejects ids that could escape the asset directory.
func validID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
