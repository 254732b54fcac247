package store

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"awgateway/pkg/address"
	"awgateway/pkg/metrics"
)

// Cache keeps recently fetched remote content in memory.
type Cache struct {
	lru *lru.Cache[address.ContentAddress, []byte]
}

func NewCache(size int) (*Cache, error) {
	c, err := lru.New[address.ContentAddress, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) Get(addr address.ContentAddress) ([]byte, bool) {
	b, ok := c.lru.Get(addr)
	if !ok {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return slices.Clone(b), true
}

func (c *Cache) Add(addr address.ContentAddress, data []byte) {
	c.lru.Add(addr, slices.Clone(data))
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
