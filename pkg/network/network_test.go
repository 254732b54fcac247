package network

import (
	"context"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"awgateway/pkg/address"
	"awgateway/pkg/routing"
	"awgateway/pkg/store"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()

	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
		libp2p.DisableMetrics(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

type testNetwork struct {
	client      host.Host
	server      host.Host
	serverStore *store.Memory
	router      *routing.MemoryRouter
	bs          *routing.StaticBootstrapper
}

func newTestNetwork(t *testing.T) *testNetwork {
	t.Helper()

	client := newTestHost(t)
	server := newTestHost(t)
	serverStore := store.NewMemory()
	_, err := NewServer(server, serverStore, WithServerLogger(logr.Discard()))
	require.NoError(t, err)

	serverInfo := *host.InfoFromHost(server)
	return &testNetwork{
		client:      client,
		server:      server,
		serverStore: serverStore,
		router:      routing.NewMemoryRouter(map[string][]peer.AddrInfo{}, *host.InfoFromHost(client)),
		bs:          routing.NewStaticBootstrapper([]peer.AddrInfo{serverInfo}),
	}
}

func (tn *testNetwork) connect(t *testing.T, opts ...ClientOption) (Client, *store.Memory) {
	t.Helper()

	localStore := store.NewMemory()
	connector, err := NewP2PConnector(tn.client, tn.router, tn.bs, localStore, opts...)
	require.NoError(t, err)
	client, err := connector.Connect(t.Context())
	require.NoError(t, err)
	return client, localStore
}

func TestDataGetFromPeer(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	data := []byte("content served by a remote peer")
	addr, err := tn.serverStore.Put(t.Context(), data)
	require.NoError(t, err)
	tn.router.Add(addr.Key(), *host.InfoFromHost(tn.server))

	cache, err := store.NewCache(10)
	require.NoError(t, err)
	client, _ := tn.connect(t, WithCache(cache))

	b, err := client.DataGet(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, data, b)
	require.Equal(t, 1, cache.Len())

	// Served from the cache once the peer is gone.
	require.NoError(t, tn.server.Close())
	b, err = client.DataGet(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, data, b)
}

func TestDataGetLocalStore(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	client, localStore := tn.connect(t)
	addr, err := localStore.Put(t.Context(), []byte("local"))
	require.NoError(t, err)

	b, err := client.DataGet(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, []byte("local"), b)
}

func TestDataGetNotFound(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	client, _ := tn.connect(t)
	addr, err := address.Sum([]byte("nobody has this"))
	require.NoError(t, err)

	_, err = client.DataGet(t.Context(), addr)
	require.ErrorIs(t, err, store.ErrNotFound)

	tn.router.Add(addr.Key(), *host.InfoFromHost(tn.server))
	_, err = client.DataGet(t.Context(), addr)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorContains(t, err, "requests to 1 peers failed")
}

func TestDataGetRejectsTamperedContent(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	tn.server.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		b := make([]byte, address.Size)
		_, _ = s.Read(b)
		_, _ = s.Write(append([]byte{statusOK}, []byte("tampered")...))
	})
	addr, err := address.Sum([]byte("genuine content"))
	require.NoError(t, err)
	tn.router.Add(addr.Key(), *host.InfoFromHost(tn.server))

	cache, err := store.NewCache(10)
	require.NoError(t, err)
	client, _ := tn.connect(t, WithCache(cache))
	_, err = client.DataGet(t.Context(), addr)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 0, cache.Len())
}

func TestDataGetMaxContentSize(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	addr, err := tn.serverStore.Put(t.Context(), []byte("more than eight bytes"))
	require.NoError(t, err)
	tn.router.Add(addr.Key(), *host.InfoFromHost(tn.server))

	client, _ := tn.connect(t, WithMaxContentSize(8))
	_, err = client.DataGet(t.Context(), addr)
	require.Error(t, err)

	_, err = client.DataPut(t.Context(), []byte("more than eight bytes"))
	require.ErrorIs(t, err, ErrContentTooLarge)
}

type flakyRouter struct {
	routing.Router
	failures atomic.Int32
}

func (f *flakyRouter) Resolve(ctx context.Context, key string, count int) (<-chan peer.AddrInfo, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("dht unavailable")
	}
	return f.Router.Resolve(ctx, key, count)
}

func TestDataGetAttempts(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	data := []byte("eventually available")
	addr, err := tn.serverStore.Put(t.Context(), data)
	require.NoError(t, err)
	tn.router.Add(addr.Key(), *host.InfoFromHost(tn.server))

	tests := []struct {
		name     string
		attempts int
		failures int32
		success  bool
	}{
		{name: "single attempt fails", attempts: 1, failures: 1, success: false},
		{name: "second attempt succeeds", attempts: 2, failures: 1, success: true},
		{name: "attempts exhausted", attempts: 2, failures: 2, success: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &flakyRouter{Router: tn.router}
			router.failures.Store(tt.failures)
			connector, err := NewP2PConnector(tn.client, router, tn.bs, store.NewMemory(), WithFetchAttempts(tt.attempts), WithRetryDelay(time.Millisecond))
			require.NoError(t, err)
			client, err := connector.Connect(t.Context())
			require.NoError(t, err)

			b, err := client.DataGet(t.Context(), addr)
			if !tt.success {
				require.ErrorContains(t, err, "dht unavailable")
				return
			}
			require.NoError(t, err)
			require.Equal(t, data, b)
		})
	}
}

func TestDataPut(t *testing.T) {
	t.Parallel()

	tn := newTestNetwork(t)
	client, localStore := tn.connect(t)
	addr, err := client.DataPut(t.Context(), []byte("new content"))
	require.NoError(t, err)

	ok, err := localStore.Has(t.Context(), addr)
	require.NoError(t, err)
	require.True(t, ok)
	providers, ok := tn.router.Lookup(addr.Key())
	require.True(t, ok)
	require.Len(t, providers, 1)
	require.Equal(t, tn.client.ID(), providers[0].ID)
}

func TestConnect(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	router := routing.NewMemoryRouter(map[string][]peer.AddrInfo{}, peer.AddrInfo{})

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	unreachableID, err := peer.IDFromPrivateKey(privKey)
	require.NoError(t, err)
	unreachable := peer.AddrInfo{ID: unreachableID, Addrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/1")}}

	tests := []struct {
		name        string
		peers       []peer.AddrInfo
		expectedErr error
		success     bool
	}{
		{
			name:        "no peers",
			peers:       nil,
			expectedErr: ErrNoPeers,
		},
		{
			name:  "unreachable peer",
			peers: []peer.AddrInfo{unreachable},
		},
		{
			name:    "self only",
			peers:   []peer.AddrInfo{*host.InfoFromHost(h)},
			success: true,
		},
		{
			name:    "one reachable peer",
			peers:   []peer.AddrInfo{unreachable, *host.InfoFromHost(newTestHost(t))},
			success: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connector, err := NewP2PConnector(h, router, routing.NewStaticBootstrapper(tt.peers), store.NewMemory(), WithDialTimeout(2*time.Second))
			require.NoError(t, err)
			client, err := connector.Connect(t.Context())
			if tt.success {
				require.NoError(t, err)
				require.NotNil(t, client)
				return
			}
			require.Error(t, err)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			}
		})
	}
}

func TestConnectorOptions(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	router := routing.NewMemoryRouter(map[string][]peer.AddrInfo{}, peer.AddrInfo{})
	bs := routing.NewStaticBootstrapper(nil)

	_, err := NewP2PConnector(h, router, bs, store.NewMemory(), WithFetchAttempts(0))
	require.Error(t, err)
	_, err = NewP2PConnector(h, router, bs, store.NewMemory(), WithMaxContentSize(0))
	require.Error(t, err)

	connector, err := NewP2PConnector(h, router, bs, store.NewMemory(), WithFetchAttempts(3), WithFetchTimeout(time.Second), WithResolveCount(5))
	require.NoError(t, err)
	require.Equal(t, 3, connector.cfg.FetchAttempts)
	require.Equal(t, time.Second, connector.cfg.FetchTimeout)
	require.Equal(t, 5, connector.cfg.ResolveCount)
	require.Equal(t, int64(16<<20), connector.cfg.MaxContentSize)
}
