// Package pairing records which badge each badge is paired with. Pairings
// are symmetric: pairing a with b also pairs b with a.
package pairing

import (
	"context"
	"errors"
	"sync"
)

// ErrNotPaired is returned by Peer when a badge has no pairing.
var ErrNotPaired = errors.New("pairing: badge is not paired")

// ErrSelfPair is returned when a badge tries to pair with itself.
var ErrSelfPair = errors.New("pairing: badge cannot pair with itself")

// Store persists pairings.
type Store interface {
	// Pair links a and b, dropping any earlier pairing of either.
	Pair(ctx context.Context, a, b string) error
	// Unpair removes a's pairing and its reverse edge.
	Unpair(ctx context.Context, a string) error
	// Peer returns a's paired badge or ErrNotPaired.
	Peer(ctx context.Context, a string) (string, error)
	Close() error
}

// MemoryStore keeps pairings in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]string)}
}

func (s *MemoryStore) Pair(_ context.Context, a, b string) error {
	if a == b {
		return ErrSelfPair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unpairLocked(a)
	s.unpairLocked(b)
	s.peers[a] = b
	s.peers[b] = a
	return nil
}

func (s *MemoryStore) Unpair(_ context.Context, a string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpairLocked(a)
	return nil
}

func (s *MemoryStore) unpairLocked(a string) {
	peer, ok := s.peers[a]
	if !ok {
		return
	}
	delete(s.peers, a)
	if s.peers[peer] == a {
		delete(s.peers, peer)
	}
}

func (s *MemoryStore) Peer(_ context.Context, a string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peer, ok := s.peers[a]
	if !ok {
		return "", ErrNotPaired
	}
	return peer, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
