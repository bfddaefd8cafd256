// Package memory provides a process-local store.Driver. It keeps the same
// revision semantics as the postgres driver and is used for sandbox runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Scandie/openprocurement.auction.dutch/internal/config"
	"github.com/Scandie/openprocurement.auction.dutch/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig) (*store.Backend, error) {
		repo := New()
		return &store.Backend{
			Documents: repo,
			Closer:    closerFunc(func() error { return nil }),
			Ping:      func(context.Context) error { return nil },
		}, nil
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// DocumentRepo implements store.DocumentRepository in memory.
type DocumentRepo struct {
	mu   sync.Mutex
	docs map[string]store.Record
}

// New returns an empty DocumentRepo.
func New() *DocumentRepo {
	return &DocumentRepo{docs: make(map[string]store.Record)}
}

func (r *DocumentRepo) Get(_ context.Context, id string) (*store.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return &rec, nil
}

func (r *DocumentRepo) Put(_ context.Context, rec store.Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.docs[rec.ID]
	if exists && current.Revision != rec.Revision {
		return "", fmt.Errorf("document %s at %q, got %q: %w", rec.ID, current.Revision, rec.Revision, store.ErrConflict)
	}
	if !exists && rec.Revision != "" {
		return "", fmt.Errorf("document %s does not exist, got revision %q: %w", rec.ID, rec.Revision, store.ErrConflict)
	}

	rec.Revision = store.NextRevision(current.Revision)
	rec.Body = append([]byte(nil), rec.Body...)
	r.docs[rec.ID] = rec
	return rec.Revision, nil
}
