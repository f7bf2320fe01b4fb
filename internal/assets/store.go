// Package assets stores short-lived synthesized-audio blobs retrievable
// by opaque id until they expire.
package assets

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

var ErrNotFound = errors.New("asset not found")

// Record is one stored asset. Data is owned by the store; callers must
// not mutate it.
type Record struct {
	ID          string
	SessionID   string
	Data        []byte
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record is past its TTL at time now.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store persists and retrieves expiring assets. Get must return
// ErrNotFound once a record is past its expiry even if no sweep has run.
type Store interface {
	Put(ctx context.Context, data []byte, contentType, sessionID string) (string, error)
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int, error)
	Close() error
}

// Options selects and tunes a backend.
type Options struct {
	Backend     string // memory | disk | postgres
	TTL         time.Duration
	Dir         string // disk backend root
	DatabaseURL string // postgres backend DSN
}

// NewStore builds the configured backend. An empty backend name picks
// postgres when a database URL is present and memory otherwise, mirroring
// how the rest of the service selects storage.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "memory":
		return NewMemoryStore(opts.TTL), nil
	case "disk":
		return NewDiskStore(opts.Dir, opts.TTL)
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.TTL)
	case "":
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			return NewPostgresStore(ctx, opts.DatabaseURL, opts.TTL)
		}
		return NewMemoryStore(opts.TTL), nil
	default:
		return nil, errors.New("unknown asset backend: " + opts.Backend)
	}
}

// StartSweeper purges expired records on a fixed interval until ctx ends.
func StartSweeper(ctx context.Context, store Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.DeleteExpired(ctx)
				if err != nil {
					log.Printf("asset sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("asset sweep removed %d expired record(s)", n)
				}
			}
		}
	}()
}

// URLFor builds the public retrieval URL for an asset id.
func URLFor(publicBaseURL, id string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/v1/assets/" + id
}
