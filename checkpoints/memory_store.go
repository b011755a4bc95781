package checkpoints

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps encoded snapshots in memory. Snapshots are stored encoded
// so later mutation of a saved checkpoint does not leak into the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	snapshots   map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.initialized = true
		s.snapshots = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, name string, c *Checkpoint) error {
	if err := validateName(name); err != nil {
		return err
	}
	payload, err := Marshal(c, FormatBinary)
	if err != nil {
		return errors.Wrapf(err, "save %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.snapshots[name] = payload
	return nil
}

func (s *MemoryStore) Load(_ context.Context, name string) (*Checkpoint, error) {
	s.mu.RLock()
	payload, ok := s.snapshots[name]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return Unmarshal(payload, FormatBinary)
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.snapshots))
	for name := range s.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
