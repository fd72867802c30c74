package backplane

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Backplane. Several relay instances in one process
// can share a single Memory value; single-instance deployments use it to run
// without an external broker.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	closed  bool
	dropped atomic.Uint64
}

type memorySub struct {
	*subscription
	inbox chan []byte
}

// NewMemory returns an open in-process Backplane.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

// Publish fans data out to every subscription without blocking. A
// subscription whose inbox is full misses the message, as a lagging Redis
// subscriber would.
func (m *Memory) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		msg := append([]byte(nil), data...)
		select {
		case sub.inbox <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped because a subscription
// fell behind.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Subscribe registers a new in-process subscription.
func (m *Memory) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{inbox: make(chan []byte, subscriptionBuffer)}
	sub.subscription = newSubscription(func() error {
		m.remove(sub)
		return nil
	})
	m.subs[sub] = struct{}{}

	go func() {
		defer sub.finish()
		for {
			select {
			case msg, ok := <-sub.inbox:
				if !ok || !sub.forward(msg) {
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub]; ok {
		delete(m.subs, sub)
		close(sub.inbox)
	}
}

// Ping fails only once the Memory is closed.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub.inbox)
	}
	return nil
}
