package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"awgateway/pkg/address"
	"awgateway/pkg/metrics"
	"awgateway/pkg/routing"
	"awgateway/pkg/store"
)

var (
	ErrNoPeers         = errors.New("no peers configured")
	ErrContentTooLarge = errors.New("content too large")
)

// Client reads and writes content on the network.
type Client interface {
	DataGet(ctx context.Context, addr address.ContentAddress) ([]byte, error)
	DataPut(ctx context.Context, data []byte) (address.ContentAddress, error)
}

// Connector establishes a connection to the network with the configured peers.
type Connector interface {
	Connect(ctx context.Context) (Client, error)
}

type ClientConfig struct {
	Log            logr.Logger
	Cache          *store.Cache
	FetchAttempts  int
	FetchTimeout   time.Duration
	RetryDelay     time.Duration
	DialTimeout    time.Duration
	MaxContentSize int64
	ResolveCount   int
}

func (cfg *ClientConfig) Apply(opts ...ClientOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ClientOption func(cfg *ClientConfig) error

func WithLogger(log logr.Logger) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithCache(cache *store.Cache) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Cache = cache
		return nil
	}
}

// WithFetchAttempts sets how many times a fetch is attempted, one means no retry.
func WithFetchAttempts(attempts int) ClientOption {
	return func(cfg *ClientConfig) error {
		if attempts < 1 {
			return fmt.Errorf("fetch attempts has to be at least 1 but was %d", attempts)
		}
		cfg.FetchAttempts = attempts
		return nil
	}
}

// WithFetchTimeout bounds each fetch attempt.
func WithFetchTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.FetchTimeout = timeout
		return nil
	}
}

func WithRetryDelay(delay time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.RetryDelay = delay
		return nil
	}
}

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.DialTimeout = timeout
		return nil
	}
}

func WithMaxContentSize(size int64) ClientOption {
	return func(cfg *ClientConfig) error {
		if size <= 0 {
			return fmt.Errorf("max content size has to be positive but was %d", size)
		}
		cfg.MaxContentSize = size
		return nil
	}
}

// WithResolveCount limits the amount of providers tried per attempt.
func WithResolveCount(count int) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.ResolveCount = count
		return nil
	}
}

var _ Connector = &P2PConnector{}

type P2PConnector struct {
	host         host.Host
	router       routing.Router
	bootstrapper routing.Bootstrapper
	store        store.Store
	cfg          ClientConfig
}

func NewP2PConnector(h host.Host, router routing.Router, bs routing.Bootstrapper, st store.Store, opts ...ClientOption) (*P2PConnector, error) {
	cfg := ClientConfig{
		Log:            logr.Discard(),
		FetchAttempts:  1,
		FetchTimeout:   30 * time.Second,
		RetryDelay:     100 * time.Millisecond,
		DialTimeout:    10 * time.Second,
		MaxContentSize: 16 << 20,
		ResolveCount:   3,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &P2PConnector{
		host:         h,
		router:       router,
		bootstrapper: bs,
		store:        st,
		cfg:          cfg,
	}, nil
}

// Connect dials every bootstrap peer and succeeds when at least one dial
// does. A node that is its own only bootstrap peer is considered connected.
func (c *P2PConnector) Connect(ctx context.Context) (Client, error) {
	log := c.cfg.Log.WithValues("host", c.host.ID().String())
	client, err := c.connect(logr.NewContext(ctx, log))
	if err != nil {
		metrics.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.ConnectAttemptsTotal.WithLabelValues("success").Inc()
	return client, nil
}

func (c *P2PConnector) connect(ctx context.Context) (*P2PClient, error) {
	log := logr.FromContextOrDiscard(ctx)
	addrInfos, err := c.bootstrapper.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get peers: %w", err)
	}
	if len(addrInfos) == 0 {
		return nil, ErrNoPeers
	}
	client := &P2PClient{connector: c}

	filtered := routing.FilterBootstrapPeers(ctx, c.host, addrInfos)
	if len(filtered) == 0 {
		for _, addrInfo := range addrInfos {
			if addrInfo.ID == c.host.ID() {
				log.V(4).Info("host is the only bootstrap peer")
				return client, nil
			}
		}
		return nil, fmt.Errorf("none of the %d peers could be reached", len(addrInfos))
	}

	var mx sync.Mutex
	connected := 0
	errs := []error{}
	g := errgroup.Group{}
	g.SetLimit(8)
	for _, addrInfo := range filtered {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
			defer cancel()
			err := c.host.Connect(dialCtx, addrInfo)

			mx.Lock()
			defer mx.Unlock()
			if err != nil {
				log.V(4).Info("could not connect to peer", "peer", addrInfo.ID.String(), "error", err.Error())
				errs = append(errs, fmt.Errorf("peer %s: %w", addrInfo.ID, err))
				return nil
			}
			connected++
			return nil
		})
	}
	_ = g.Wait()
	if connected == 0 {
		return nil, errors.Join(append([]error{errors.New("could not connect to any peer")}, errs...)...)
	}
	log.Info("connected to network", "peers", connected, "failed", len(errs))
	return client, nil
}

var _ Client = &P2PClient{}

type P2PClient struct {
	connector *P2PConnector
}

// DataGet serves from the local store and cache before asking the network.
// Each attempt resolves providers and tries them in order until one returns
// content matching the address.
func (c *P2PClient) DataGet(ctx context.Context, addr address.ContentAddress) ([]byte, error) {
	cfg := c.connector.cfg
	log := cfg.Log.WithValues("address", addr.String())

	data, err := c.connector.store.Get(ctx, addr)
	if err == nil {
		metrics.FetchRequestsTotal.WithLabelValues("local", "success").Inc()
		return data, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		log.Error(err, "could not read local store, falling back to network")
	}
	if cfg.Cache != nil {
		if data, ok := cfg.Cache.Get(addr); ok {
			metrics.FetchRequestsTotal.WithLabelValues("cache", "success").Inc()
			return data, nil
		}
	}

	timer := time.Now()
	data, err = retry.DoWithData(
		func() ([]byte, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
			defer cancel()
			return c.fetch(logr.NewContext(attemptCtx, log), addr)
		},
		retry.Attempts(uint(cfg.FetchAttempts)),
		retry.Context(ctx),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Info("fetch attempt failed, retrying", "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		metrics.FetchRequestsTotal.WithLabelValues("network", "failure").Inc()
		metrics.FetchDurHistogram.WithLabelValues("failure").Observe(time.Since(timer).Seconds())
		return nil, err
	}
	metrics.FetchRequestsTotal.WithLabelValues("network", "success").Inc()
	metrics.FetchDurHistogram.WithLabelValues("success").Observe(time.Since(timer).Seconds())
	if cfg.Cache != nil {
		cfg.Cache.Add(addr, data)
	}
	return data, nil
}

func (c *P2PClient) fetch(ctx context.Context, addr address.ContentAddress) ([]byte, error) {
	log := logr.FromContextOrDiscard(ctx)
	peerCh, err := c.connector.router.Resolve(ctx, addr.Key(), c.connector.cfg.ResolveCount)
	if err != nil {
		return nil, fmt.Errorf("could not resolve providers: %w", err)
	}

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetching content %s has been cancelled: %w", addr, ctx.Err())
		case addrInfo, ok := <-peerCh:
			if !ok {
				err := errors.Join(store.ErrNotFound, fmt.Errorf("content %s could not be found", addr))
				if attempts > 0 {
					err = errors.Join(err, fmt.Errorf("requests to %d peers failed, all attempts exhausted", attempts))
				}
				return nil, err
			}
			attempts++
			data, err := c.fetchFromPeer(ctx, addrInfo, addr)
			if err != nil {
				log.Error(err, "request to peer failed", "attempt", attempts, "peer", addrInfo.ID.String())
				continue
			}
			log.V(4).Info("fetched content from peer", "attempt", attempts, "peer", addrInfo.ID.String(), "size", len(data))
			return data, nil
		}
	}
}

func (c *P2PClient) fetchFromPeer(ctx context.Context, addrInfo peer.AddrInfo, addr address.ContentAddress) ([]byte, error) {
	h := c.connector.host
	if err := h.Connect(ctx, addrInfo); err != nil {
		return nil, err
	}
	stream, err := h.NewStream(ctx, addrInfo.ID, ProtocolID)
	if err != nil {
		return nil, err
	}
	return fetchFrom(ctx, stream, addr, c.connector.cfg.MaxContentSize)
}

// DataPut stores data locally and advertises it to the network.
func (c *P2PClient) DataPut(ctx context.Context, data []byte) (address.ContentAddress, error) {
	if int64(len(data)) > c.connector.cfg.MaxContentSize {
		return address.ContentAddress{}, fmt.Errorf("%w: %d bytes exceeds %d bytes", ErrContentTooLarge, len(data), c.connector.cfg.MaxContentSize)
	}
	addr, err := c.connector.store.Put(ctx, data)
	if err != nil {
		return address.ContentAddress{}, err
	}
	err = c.connector.router.Advertise(ctx, []string{addr.Key()})
	if err != nil {
		return address.ContentAddress{}, fmt.Errorf("could not advertise content %s: %w", addr, err)
	}
	return addr, nil
}
