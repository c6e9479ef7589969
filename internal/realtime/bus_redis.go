package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	// wait for the subscription confirmation so connection errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}
	sub := &redisSub{ps: ps, ch: make(chan BusMessage)}
	go sub.pump(ctx)
	return sub, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

type redisSub struct {
	ps *redis.PubSub
	ch chan BusMessage
}

func (s *redisSub) pump(ctx context.Context) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSub) Messages() <-chan BusMessage { return s.ch }

func (s *redisSub) Close() error {
	if err := s.ps.PUnsubscribe(context.Background()); err != nil {
		_ = s.ps.Close()
		return err
	}
	return s.ps.Close()
}
