package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"awgateway/pkg/address"
)

var ErrNotFound = errors.New("content not found")

// Store holds content keyed by its address.
type Store interface {
	Name() string
	Get(ctx context.Context, addr address.ContentAddress) ([]byte, error)
	Put(ctx context.Context, data []byte) (address.ContentAddress, error)
	Has(ctx context.Context, addr address.ContentAddress) (bool, error)
	List(ctx context.Context) ([]address.ContentAddress, error)
}

var _ Store = &Memory{}

type Memory struct {
	content map[address.ContentAddress][]byte
	mx      sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		content: map[address.ContentAddress][]byte{},
	}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Get(ctx context.Context, addr address.ContentAddress) ([]byte, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	b, ok := m.content[addr]
	if !ok {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("content with address %s not found", addr))
	}
	return slices.Clone(b), nil
}

func (m *Memory) Put(ctx context.Context, data []byte) (address.ContentAddress, error) {
	addr, err := address.Sum(data)
	if err != nil {
		return address.ContentAddress{}, err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	m.content[addr] = slices.Clone(data)
	return addr, nil
}

func (m *Memory) Has(ctx context.Context, addr address.ContentAddress) (bool, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	_, ok := m.content[addr]
	return ok, nil
}

func (m *Memory) List(ctx context.Context) ([]address.ContentAddress, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	addrs := make([]address.ContentAddress, 0, len(m.content))
	for addr := range m.content {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
