package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weilancys/lbchat/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process memory. Instances only share it when they share the
// process, so it serves single-node deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	revision uint64
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.Key()
	if _, ok := m.sessions[key]; ok {
		return fmt.Errorf("%w: %s", types.ErrBusy, key)
	}
	m.revision++
	s.Revision = m.revision
	m.sessions[key] = *s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.Key()]
	if !ok || current.Revision != s.Revision {
		return false, nil
	}
	m.revision++
	s.Revision = m.revision
	m.sessions[s.Key()] = *s
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, s *Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.Key()]
	if !ok || current.Revision != s.Revision {
		return false, nil
	}
	delete(m.sessions, s.Key())
	return true, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, identityId string) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*Session, 0)
	for key, s := range m.sessions {
		if keyHasParty(key, identityId) {
			s := s
			res = append(res, &s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key() < res[j].Key() })
	return res, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
