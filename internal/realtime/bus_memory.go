package realtime

import (
	"context"
	"sync"
)

const memoryBuffer = 256

// MemoryBus is a single-process bus.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

// Publish delivers to every matching subscriber or to none: a full
// subscriber buffer fails the whole publish.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	targets := make([]*memorySub, 0, len(b.subs))
	for sub := range b.subs {
		if !matchChannel(sub.pattern, channel) {
			continue
		}
		if len(sub.ch) == cap(sub.ch) {
			return ErrBusUnavailable
		}
		targets = append(targets, sub)
	}
	for _, sub := range targets {
		sub.ch <- BusMessage{Channel: channel, Payload: payload}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	sub := &memorySub{bus: b, pattern: pattern, ch: make(chan BusMessage, memoryBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan BusMessage
	once    sync.Once
}

func (s *memorySub) Messages() <-chan BusMessage { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}
