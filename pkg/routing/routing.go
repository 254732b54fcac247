package routing

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Router implements the discovery of content.
type Router interface {
	// Ready returns true when the router is ready.
	Ready(ctx context.Context) (bool, error)
	// Resolve asynchronously discovers peers that can serve the content defined by the given key.
	Resolve(ctx context.Context, key string, count int) (<-chan peer.AddrInfo, error)
	// Advertise broadcasts that the current router can serve the content.
	Advertise(ctx context.Context, keys []string) error
}
