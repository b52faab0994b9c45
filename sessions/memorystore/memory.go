// Package memorystore provides the in-memory implementation of
// sessions.DataStore. It is the default backing store and the right choice
// for single-node deployments and tests.
package memorystore

import (
	"context"
	"sync"

	"github.com/DasDarki/MagicWire/sessions"
)

// Store implements sessions.DataStore with a two-level map.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]map[string]any)}
}

func (s *Store) Set(_ context.Context, sessionID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.data[sessionID]
	if !ok {
		kv = make(map[string]any)
		s.data[sessionID] = kv
	}
	kv[key] = value
	return nil
}

func (s *Store) Get(_ context.Context, sessionID, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.data[sessionID]
	if !ok {
		return nil, false, nil
	}
	v, ok := kv[key]
	return v, ok, nil
}

func (s *Store) Delete(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.data[sessionID]; ok {
		delete(kv, key)
	}
	return nil
}

func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

var _ sessions.DataStore = (*Store)(nil)
