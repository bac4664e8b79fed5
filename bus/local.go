package bus

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("bus closed")

var _ Bus = (*Local)(nil)

// Local is an in-process bus. Publish delivers synchronously on the publisher's goroutine, which
// preserves per-publisher order. Instances sharing one Local behave like a cluster sharing a
// broker, which is what the tests rely on.
type Local struct {
	mu     sync.RWMutex
	nextId uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[uint64]Handler)}
}

type localSubscription struct {
	bus     *Local
	subject string
	id      uint64
	once    sync.Once
}

func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.subject]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.subject)
			}
		}
	})
	return nil
}

func (b *Local) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextId++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]Handler)
	}
	b.subs[subject][b.nextId] = handler
	return &localSubscription{bus: b, subject: subject, id: b.nextId}, nil
}

func (b *Local) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	return nil
}
