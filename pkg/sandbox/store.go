package sandbox

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/raskyld/contained/pkg/fault"
)

// Store persists artifacts by hash.
type Store interface {
	// Get fails with fault.UnknownProgram when the hash is absent.
	Get(ctx context.Context, h Hash) (*Artifact, error)
	Put(ctx context.Context, art *Artifact) error
	List(ctx context.Context) ([]Hash, error)
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	arts map[Hash][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{arts: make(map[Hash][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, h Hash) (*Artifact, error) {
	s.mu.RLock()
	buf, ok := s.arts[h]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.UnknownProgram, "no module %s", h.Short())
	}
	return UnmarshalArtifact(buf)
}

func (s *MemoryStore) Put(_ context.Context, art *Artifact) error {
	buf := art.Marshal()
	s.mu.Lock()
	s.arts[art.Hash()] = buf
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(s.arts), func(a, b Hash) int {
		return slices.Compare(a[:], b[:])
	}), nil
}
