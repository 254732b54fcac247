package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"awgateway/internal/channel"
	"awgateway/pkg/metrics"
	"awgateway/pkg/routing"
	"awgateway/pkg/store"
)

// Track advertises the content of the store until the context is cancelled.
// Keys are advertised on start and refreshed before they expire.
func Track(ctx context.Context, st store.Store, router routing.Router) error {
	return track(ctx, st, router, routing.KeyTTL-time.Minute)
}

func track(ctx context.Context, st store.Store, router routing.Router, interval time.Duration) error {
	log := logr.FromContextOrDiscard(ctx)
	immediateCh := make(chan time.Time, 1)
	immediateCh <- time.Now()
	close(immediateCh)
	expirationTicker := time.NewTicker(interval)
	defer expirationTicker.Stop()
	tickerCh := channel.Merge(ctx, immediateCh, expirationTicker.C)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-tickerCh:
			if !ok {
				return nil
			}
			log.Info("running scheduled advertisement of stored content")
			keyTotal, err := all(ctx, st, router)
			if err != nil {
				log.Error(err, "received errors when advertising stored content")
				continue
			}
			log.V(4).Info("advertised stored content", "keys", keyTotal)
		}
	}
}

func all(ctx context.Context, st store.Store, router routing.Router) (int, error) {
	addrs, err := st.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list content in %s store: %w", st.Name(), err)
	}
	metrics.AdvertisedKeys.WithLabelValues(st.Name()).Set(0)
	if len(addrs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		keys = append(keys, addr.Key())
	}
	if err := router.Advertise(ctx, keys); err != nil {
		return 0, fmt.Errorf("could not advertise %d keys: %w", len(keys), err)
	}
	metrics.AdvertisedKeys.WithLabelValues(st.Name()).Set(float64(len(keys)))
	return len(keys), nil
}
