// Package memstore is an in-process core.Store. Sessions live until the
// process exits or Delete is called; it suits tests and single-instance
// development.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/core"
)

// Store keeps sessions and artifacts in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]core.ImportSession
	artifacts map[string]map[core.ArtifactKind][]byte
}

var _ core.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]core.ImportSession),
		artifacts: make(map[string]map[core.ArtifactKind][]byte),
	}
}

// CreateSession implements core.Store.
func (s *Store) CreateSession(_ context.Context, sess *core.ImportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errors.Wrapf(core.ErrSessionExists, "session %s", sess.ID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

// GetSession implements core.Store. It returns a copy.
func (s *Store) GetSession(_ context.Context, id string) (*core.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrSessionNotFound, "session %s", id)
	}
	return &sess, nil
}

// Transition implements core.Store.
func (s *Store) Transition(_ context.Context, id string, from, to core.Status, o core.Outcome) (*core.ImportSession, error) {
	if !core.CanTransition(from, to) {
		return nil, errors.Newf("illegal transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrSessionNotFound, "session %s", id)
	}
	if sess.Status != from {
		return nil, errors.Wrapf(core.ErrStaleStatus, "session %s is %s, not %s", id, sess.Status, from)
	}
	o.Apply(&sess, to)
	s.sessions[id] = sess
	return &sess, nil
}

// PutArtifact implements core.Store. The data is copied.
func (s *Store) PutArtifact(_ context.Context, id string, kind core.ArtifactKind, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.artifacts[id]
	if !ok {
		byKind = make(map[core.ArtifactKind][]byte)
		s.artifacts[id] = byKind
	}
	if _, exists := byKind[kind]; exists {
		return errors.Wrapf(core.ErrArtifactExists, "%s artifact of %s", kind, id)
	}
	byKind[kind] = bytes.Clone(data)
	return nil
}

// OpenArtifact implements core.Store.
func (s *Store) OpenArtifact(_ context.Context, id string, kind core.ArtifactKind) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[id][kind]
	if !ok {
		return nil, errors.Wrapf(core.ErrArtifactNotFound, "%s artifact of %s", kind, id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a session and its artifacts.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.artifacts, id)
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByStatus returns the number of sessions in each status.
func (s *Store) CountByStatus(context.Context) (map[core.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Status]int)
	for _, sess := range s.sessions {
		out[sess.Status]++
	}
	return out, nil
}
