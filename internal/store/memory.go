package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// MemoryStore keeps records in process memory.
// Data survives across requests but not process restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.CacheRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.CacheRecord),
	}
}

// Get returns a copy of the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (*models.CacheRecord, error) {
	s.mu.RLock()
	rec, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Create stores a new record; ErrAlreadyExists if the key is present.
func (s *MemoryStore) Create(_ context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	c := rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[c.LocationKey]; exists {
		return ErrAlreadyExists
	}
	s.items[c.LocationKey] = c
	return nil
}

// Update replaces the mutable fields of an existing record.
// Coordinates and creation time are kept from the stored record.
func (s *MemoryStore) Update(_ context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	c := rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[c.LocationKey]
	if !ok {
		return ErrNotFound
	}
	c.Latitude = existing.Latitude
	c.Longitude = existing.Longitude
	c.CreatedAt = existing.CreatedAt
	s.items[c.LocationKey] = c
	return nil
}

// List returns copies of all records ordered by key.
func (s *MemoryStore) List(_ context.Context) ([]*models.CacheRecord, error) {
	s.mu.RLock()
	out := make([]*models.CacheRecord, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LocationKey < out[j].LocationKey })
	return out, nil
}

// Delete removes the record for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return ErrNotFound
	}
	delete(s.items, key)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
