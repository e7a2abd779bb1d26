// Package bus carries per-user push payloads from whoever produced them to
// the process holding that user's live connection.
package bus

import (
	"context"
	"sync"
)

// Handler receives a payload addressed to userID.
type Handler func(userID string, payload []byte)

type Bus interface {
	Publish(ctx context.Context, userID string, payload []byte) error
	// Subscribe installs h and returns once the subscription is active.
	// Delivery stops when ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Local delivers synchronously inside the publishing process.
type Local struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(_ context.Context, userID string, payload []byte) error {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(userID, payload)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.handlers = make(map[int]Handler)
	l.mu.Unlock()
	return nil
}
