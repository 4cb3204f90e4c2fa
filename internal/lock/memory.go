package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker. It serializes holders inside one process
// only and suits single-instance deployments and tests.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, namespace, key string, wait time.Duration) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := Name(namespace, key)
	s := m.ref(name)

	if wait <= 0 {
		select {
		case s.ch <- struct{}{}:
			return &memoryHandle{m: m, name: name, s: s}, nil
		default:
			m.unref(name, s)
			return nil, ErrConflict
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &memoryHandle{m: m, name: name, s: s}, nil
	case <-ctx.Done():
		m.unref(name, s)
		return nil, ctx.Err()
	case <-timer.C:
		m.unref(name, s)
		return nil, ErrConflict
	}
}

// Held reports whether the named lock is currently taken.
func (m *Memory) Held(namespace, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[Name(namespace, key)]
	return ok && len(s.ch) > 0
}

func (m *Memory) ref(name string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[name] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(name string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, name)
	}
}

type memoryHandle struct {
	m    *Memory
	name string
	s    *slot
	once sync.Once
}

func (h *memoryHandle) Release(context.Context) error {
	h.once.Do(func() {
		<-h.s.ch
		h.m.unref(h.name, h.s)
	})
	return nil
}
