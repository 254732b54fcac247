package routing

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

var _ Router = &MemoryRouter{}

type MemoryRouter struct {
	resolver map[string][]peer.AddrInfo
	self     peer.AddrInfo
	mx       sync.RWMutex
}

func NewMemoryRouter(resolver map[string][]peer.AddrInfo, self peer.AddrInfo) *MemoryRouter {
	return &MemoryRouter{
		resolver: resolver,
		self:     self,
	}
}

func (m *MemoryRouter) Ready(ctx context.Context) (bool, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	return len(m.resolver) > 0, nil
}

func (m *MemoryRouter) Resolve(ctx context.Context, key string, count int) (<-chan peer.AddrInfo, error) {
	m.mx.RLock()
	peers := m.resolver[key]
	m.mx.RUnlock()

	if count > 0 && len(peers) > count {
		peers = peers[:count]
	}
	peerCh := make(chan peer.AddrInfo, len(peers))
	for _, p := range peers {
		peerCh <- p
	}
	close(peerCh)
	return peerCh, nil
}

func (m *MemoryRouter) Advertise(ctx context.Context, keys []string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	for _, key := range keys {
		m.resolver[key] = append(m.resolver[key], m.self)
	}
	return nil
}

func (m *MemoryRouter) Add(key string, info peer.AddrInfo) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.resolver[key] = append(m.resolver[key], info)
}

func (m *MemoryRouter) Lookup(key string) ([]peer.AddrInfo, bool) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	v, ok := m.resolver[key]
	return v, ok
}
