package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open dashboard sockets on this instance",
	})
	broadcastCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_broadcasts_total",
		Help: "Tenant broadcasts by path",
	}, []string{"path"})
	resubscribeCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_resubscribes_total",
		Help: "Subscriber restarts after a bus failure",
	})
)

// Event is the frame written to dashboard sockets.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Socket is one dashboard connection.
type Socket interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Broadcaster is what producers of tenant events depend on.
type Broadcaster interface {
	BroadcastToTenant(ctx context.Context, tenantID string, event Event) error
}

type Manager struct {
	bus    Bus
	logger zerolog.Logger

	// NewBackOff paces re-subscription after the bus subscription fails.
	NewBackOff func() backoff.BackOff

	mu      sync.RWMutex
	tenants map[string]map[Socket]struct{}
}

func NewManager(bus Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:        bus,
		logger:     logger,
		NewBackOff: defaultBackOff,
		tenants:    make(map[string]map[Socket]struct{}),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connect registers socket under tenantID and greets it.
func (m *Manager) Connect(ctx context.Context, socket Socket, tenantID string) error {
	m.mu.Lock()
	set, ok := m.tenants[tenantID]
	if !ok {
		set = make(map[Socket]struct{})
		m.tenants[tenantID] = set
	}
	if _, dup := set[socket]; !dup {
		set[socket] = struct{}{}
		connectionsGauge.Inc()
	}
	m.mu.Unlock()

	payload, err := json.Marshal(Event{Type: "connected", Data: map[string]string{"tenant_id": tenantID}})
	if err != nil {
		return fmt.Errorf("encode connected event: %w", err)
	}
	if err := socket.Send(ctx, payload); err != nil {
		m.Disconnect(socket, tenantID)
		return fmt.Errorf("greet socket: %w", err)
	}
	m.logger.Debug().Str("tenant_id", tenantID).Msg("socket connected")
	return nil
}

// Disconnect is idempotent.
func (m *Manager) Disconnect(socket Socket, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(socket, tenantID)
}

func (m *Manager) remove(socket Socket, tenantID string) {
	set, ok := m.tenants[tenantID]
	if !ok {
		return
	}
	if _, ok := set[socket]; !ok {
		return
	}
	delete(set, socket)
	connectionsGauge.Dec()
	if len(set) == 0 {
		delete(m.tenants, tenantID)
	}
}

// ConnectionCount reports local sockets for tenantID.
func (m *Manager) ConnectionCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantID])
}

// BroadcastToTenant publishes through the bus. When the bus is down the event
// still reaches sockets held by this instance.
func (m *Manager) BroadcastToTenant(ctx context.Context, tenantID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if m.bus != nil {
		err = m.bus.Publish(ctx, Channel(tenantID), payload)
		if err == nil {
			broadcastCounter.WithLabelValues("bus").Inc()
			return nil
		}
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("event", event.Type).Msg("bus publish failed, delivering locally")
	}
	broadcastCounter.WithLabelValues("local").Inc()
	m.fanOut(ctx, tenantID, payload)
	return nil
}

// Run relays bus messages to local sockets until ctx is done. A failed or
// closed subscription is re-established with backoff.
func (m *Manager) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	b := backoff.WithContext(m.NewBackOff(), ctx)
	notify := func(err error, wait time.Duration) {
		resubscribeCounter.Inc()
		m.logger.Error().Err(err).Dur("retry_in", wait).Msg("realtime subscriber down, re-subscribing")
	}
	err := backoff.RetryNotify(func() error { return m.relay(ctx, b) }, b, notify)
	if ctx.Err() != nil {
		m.logger.Info().Msg("realtime subscriber stopped")
		return nil
	}
	return err
}

// relay consumes one subscription. It returns nil only when ctx is done.
func (m *Manager) relay(ctx context.Context, b backoff.BackOff) error {
	sub, err := m.bus.Subscribe(ctx, TenantPattern)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", TenantPattern, err)
	}
	defer sub.Close()
	b.Reset()
	m.logger.Info().Str("pattern", TenantPattern).Msg("realtime subscriber started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription to %s closed", TenantPattern)
			}
			tenantID, found := strings.CutPrefix(msg.Channel, ChannelPrefix)
			if !found || tenantID == "" {
				continue
			}
			m.fanOut(ctx, tenantID, msg.Payload)
		}
	}
}

func (m *Manager) fanOut(ctx context.Context, tenantID string, payload []byte) {
	m.mu.RLock()
	sockets := make([]Socket, 0, len(m.tenants[tenantID]))
	for s := range m.tenants[tenantID] {
		sockets = append(sockets, s)
	}
	m.mu.RUnlock()

	var dead []Socket
	for _, s := range sockets {
		if err := s.Send(ctx, payload); err != nil {
			m.logger.Debug().Err(err).Str("tenant_id", tenantID).Msg("socket send failed, pruning")
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}
	m.mu.Lock()
	for _, s := range dead {
		m.remove(s, tenantID)
	}
	m.mu.Unlock()
	for _, s := range dead {
		_ = s.Close()
	}
}
