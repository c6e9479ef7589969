package messenger

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider types to adapters. It is built once at startup and
// shared by the webhook server, the dispatcher and the delivery queue.
type Registry struct {
	mu        sync.RWMutex
	providers map[Type]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Type]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

func (r *Registry) Get(t Type) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, t)
	}
	return p, nil
}

func (r *Registry) Chat(t Type) (ChatAdapter, error) {
	p, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	chat, ok := p.(ChatAdapter)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a chat provider", ErrUnsupported, t)
	}
	return chat, nil
}

func (r *Registry) Payment(t Type) (PaymentAdapter, error) {
	p, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	pay, ok := p.(PaymentAdapter)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a payment provider", ErrUnsupported, t)
	}
	return pay, nil
}

func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
