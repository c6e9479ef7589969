package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	ChannelPrefix = "ws:tenant:"
	TenantPattern = ChannelPrefix + "*"
)

// ErrBusUnavailable is returned by a bus that cannot accept a publish.
var ErrBusUnavailable = errors.New("pubsub bus unavailable")

func Channel(tenantID string) string { return ChannelPrefix + tenantID }

type BusMessage struct {
	Channel string
	Payload []byte
}

// Bus carries broadcasts between gateway instances.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts a pattern subscription. The returned channel is closed
	// when ctx is done or Close is called.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan BusMessage
	Close() error
}

// matchChannel applies redis PSUBSCRIBE matching for * and ?. Unlike
// path.Match, * also spans '/'.
func matchChannel(pattern, channel string) bool {
	p, c := 0, 0
	star, mark := -1, 0
	for c < len(channel) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, c
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == channel[c]):
			p++
			c++
		case star >= 0:
			mark++
			c = mark
			p = star + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// OpenBus builds the bus named by driver: "redis", "kafka" or "memory".
func OpenBus(driver, redisURL string, brokers []string, topic string, logger zerolog.Logger) (Bus, error) {
	switch driver {
	case "redis":
		return NewRedisBus(redisURL)
	case "kafka":
		return NewKafkaBus(brokers, topic, logger), nil
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", driver)
	}
}
