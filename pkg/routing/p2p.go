package routing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"awgateway/pkg/metrics"
)

const (
	// KeyTTL is how long provider records live in the DHT before they have to be advertised again.
	KeyTTL = 10 * time.Minute
	// ProtocolPrefix namespaces the DHT so that it does not join the public network.
	ProtocolPrefix = "/awgateway"
)

type P2PRouterConfig struct {
	FS         afero.Fs
	DataDir    string
	Libp2pOpts []libp2p.Option
}

func (cfg *P2PRouterConfig) Apply(opts ...P2PRouterOption) error {
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

type P2PRouterOption func(cfg *P2PRouterConfig) error

func WithLibP2POptions(opts ...libp2p.Option) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.Libp2pOpts = opts
		return nil
	}
}

// WithDataDir persists the peer identity in the directory so that it survives restarts.
func WithDataDir(dataDir string) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.DataDir = dataDir
		return nil
	}
}

func WithFileSystem(fs afero.Fs) P2PRouterOption {
	return func(cfg *P2PRouterConfig) error {
		cfg.FS = fs
		return nil
	}
}

var _ Router = &P2PRouter{}

type P2PRouter struct {
	bootstrapper Bootstrapper
	host         host.Host
	kdht         *dht.IpfsDHT
	rd           *routing.RoutingDiscovery
}

func NewP2PRouter(ctx context.Context, addr string, bs Bootstrapper, opts ...P2PRouterOption) (*P2PRouter, error) {
	cfg := P2PRouterConfig{
		FS: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	multiAddrs, err := listenMultiaddrs(addr)
	if err != nil {
		return nil, err
	}
	libp2pOpts := []libp2p.Option{
		libp2p.ListenAddrs(multiAddrs...),
		libp2p.PrometheusRegisterer(metrics.DefaultRegisterer),
		libp2p.AddrsFactory(filterHostAddrs),
	}
	if cfg.DataDir != "" {
		peerKey, err := loadOrCreatePrivateKey(ctx, cfg.FS, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(peerKey))
	}
	libp2pOpts = append(libp2pOpts, cfg.Libp2pOpts...)
	host, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create host: %w", err)
	}
	if len(host.Addrs()) != 1 {
		addrs := []string{}
		for _, addr := range host.Addrs() {
			addrs = append(addrs, addr.String())
		}
		return nil, errors.Join(fmt.Errorf("expected single host address but got %d %s", len(addrs), strings.Join(addrs, ", ")), host.Close())
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(ProtocolPrefix),
		dht.DisableValues(),
		dht.MaxRecordAge(KeyTTL),
		dht.BootstrapPeersFunc(bootstrapFunc(ctx, bs, host)),
	}
	kdht, err := dht.New(ctx, host, dhtOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create distributed hash table: %w", err), host.Close())
	}
	rd := routing.NewRoutingDiscovery(kdht)

	return &P2PRouter{
		bootstrapper: bs,
		host:         host,
		kdht:         kdht,
		rd:           rd,
	}, nil
}

// Host exposes the libp2p host so that protocols can be mounted on it.
func (r *P2PRouter) Host() host.Host {
	return r.host
}

func (r *P2PRouter) Run(ctx context.Context) (err error) {
	self := fmt.Sprintf("%s/p2p/%s", r.host.Addrs()[0].String(), r.host.ID().String())
	logr.FromContextOrDiscard(ctx).WithName("p2p").Info("starting p2p router", "id", self)
	if err := r.kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("could not bootstrap distributed hash table: %w", err)
	}
	defer func() {
		cerr := r.kdht.Close()
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
		cerr = r.host.Close()
		if cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	err = r.bootstrapper.Run(ctx, self)
	if err != nil {
		return err
	}
	return nil
}

func (r *P2PRouter) Ready(ctx context.Context) (bool, error) {
	addrInfos, err := r.bootstrapper.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(addrInfos) == 0 {
		return false, nil
	}
	if len(addrInfos) == 1 {
		matches, err := hostMatches(*host.InfoFromHost(r.host), addrInfos[0])
		if err != nil {
			return false, err
		}
		if matches {
			return true, nil
		}
	}
	if r.kdht.RoutingTable().Size() > 0 {
		return true, nil
	}
	err = r.kdht.Bootstrap(ctx)
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *P2PRouter) Resolve(ctx context.Context, key string, count int) (<-chan peer.AddrInfo, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("host", r.host.ID().String(), "key", key)
	c, err := createCid(key)
	if err != nil {
		return nil, err
	}
	// A zero count means no limit, the buffer still has to be non-zero so
	// that a slow reader does not block the provider search.
	peerBufferSize := count
	if peerBufferSize == 0 {
		peerBufferSize = 20
	}
	addrInfoCh := r.rd.FindProvidersAsync(ctx, c, count)
	peerCh := make(chan peer.AddrInfo, peerBufferSize)
	go func() {
		defer close(peerCh)
		resolveTimer := prometheus.NewTimer(metrics.ResolveDurHistogram.WithLabelValues("libp2p"))
		defer resolveTimer.ObserveDuration()
		for addrInfo := range addrInfoCh {
			if addrInfo.ID == r.host.ID() {
				continue
			}
			if len(addrInfo.Addrs) == 0 {
				log.V(4).Info("provider without addresses", "peer", addrInfo.ID.String())
				continue
			}
			// Don't block if the client has disconnected before reading all values from the channel
			select {
			case peerCh <- addrInfo:
			default:
				log.V(4).Info("peer dropped: peer channel is full", "peer", addrInfo.ID.String())
			}
		}
	}()
	return peerCh, nil
}

func (r *P2PRouter) Advertise(ctx context.Context, keys []string) error {
	for _, key := range keys {
		c, err := createCid(key)
		if err != nil {
			return err
		}
		err = r.rd.Provide(ctx, c, false)
		if err != nil {
			return err
		}
	}
	return nil
}

func bootstrapFunc(ctx context.Context, bootstrapper Bootstrapper, h host.Host) func() []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx).WithName("p2p")
	return func() []peer.AddrInfo {
		bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bootstrapCancel()

		addrInfos, err := bootstrapper.Get(bootstrapCtx)
		if err != nil {
			log.Error(err, "could not get bootstrap addresses")
			return nil
		}
		filteredAddrInfos := FilterBootstrapPeers(logr.NewContext(bootstrapCtx, log), h, addrInfos)
		if len(filteredAddrInfos) == 0 {
			log.Info("no bootstrap nodes found")
			return nil
		}
		return filteredAddrInfos
	}
}

// FilterBootstrapPeers removes the host itself from addrInfos, adds the host
// port to addresses without one and resolves missing peer IDs by dialing.
func FilterBootstrapPeers(ctx context.Context, h host.Host, addrInfos []peer.AddrInfo) []peer.AddrInfo {
	log := logr.FromContextOrDiscard(ctx)
	hostAddrs := h.Addrs()
	if len(hostAddrs) == 0 {
		return nil
	}
	var hostPort ma.Component
	ma.ForEach(hostAddrs[0], func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_TCP {
			hostPort = c
			return false
		}
		return true
	})

	filteredAddrInfos := []peer.AddrInfo{}
	for _, addrInfo := range addrInfos {
		// Skip addresses that match host.
		matches, err := hostMatches(*host.InfoFromHost(h), addrInfo)
		if err != nil {
			log.Error(err, "could not compare host with address")
			continue
		}
		if matches {
			log.V(4).Info("skipping bootstrap peer that is same as host")
			continue
		}

		// Add port to address if it is missing.
		modifiedAddrs := []ma.Multiaddr{}
		for _, addr := range addrInfo.Addrs {
			hasPort := false
			ma.ForEach(addr, func(c ma.Component) bool {
				if c.Protocol().Code == ma.P_TCP {
					hasPort = true
					return false
				}
				return true
			})
			if hasPort {
				modifiedAddrs = append(modifiedAddrs, addr)
				continue
			}
			modifiedAddrs = append(modifiedAddrs, ma.Join(addr, &hostPort))
		}
		addrInfo.Addrs = modifiedAddrs

		// Resolve ID if it is missing.
		if addrInfo.ID != "" {
			filteredAddrInfos = append(filteredAddrInfos, addrInfo)
			continue
		}
		id, err := resolvePeerID(ctx, h, addrInfo)
		if err != nil {
			log.Error(err, "could not get peer id")
			continue
		}
		addrInfo.ID = id
		filteredAddrInfos = append(filteredAddrInfos, addrInfo)
	}
	return filteredAddrInfos
}

// resolvePeerID dials with a placeholder ID, the security handshake then
// reports the actual ID of the remote peer.
func resolvePeerID(ctx context.Context, h host.Host, addrInfo peer.AddrInfo) (peer.ID, error) {
	addrInfo.ID = "id"
	err := h.Connect(ctx, addrInfo)
	var mismatchErr sec.ErrPeerIDMismatch
	if !errors.As(err, &mismatchErr) {
		if err == nil {
			err = errors.New("connected without peer id verification")
		}
		return "", err
	}
	return mismatchErr.Actual, nil
}

// filterHostAddrs announces a single address, preferring IPv6 over IPv4 and
// both over loopback. Loopback is only announced when nothing else is bound.
func filterHostAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	var ip4Ma, ip6Ma, loopbackMa ma.Multiaddr
	for _, addr := range addrs {
		if manet.IsIPLoopback(addr) {
			if loopbackMa == nil {
				loopbackMa = addr
			}
			continue
		}
		if isIp6(addr) {
			ip6Ma = addr
			continue
		}
		ip4Ma = addr
	}
	if ip6Ma != nil {
		return []ma.Multiaddr{ip6Ma}
	}
	if ip4Ma != nil {
		return []ma.Multiaddr{ip4Ma}
	}
	if loopbackMa != nil {
		return []ma.Multiaddr{loopbackMa}
	}
	return nil
}

func listenMultiaddrs(addr string) ([]ma.Multiaddr, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tcpComp, err := ma.NewMultiaddr(fmt.Sprintf("/tcp/%s", p))
	if err != nil {
		return nil, err
	}
	ipComps := []ma.Multiaddr{}
	ip := net.ParseIP(h)
	if ip.To4() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	} else if ip.To16() != nil {
		ipComp, err := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s", h))
		if err != nil {
			return nil, fmt.Errorf("could not create host multi address: %w", err)
		}
		ipComps = append(ipComps, ipComp)
	}
	if len(ipComps) == 0 {
		ipComps = []ma.Multiaddr{manet.IP6Unspecified, manet.IP4Unspecified}
	}
	multiAddrs := []ma.Multiaddr{}
	for _, ipComp := range ipComps {
		multiAddrs = append(multiAddrs, ipComp.Encapsulate(tcpComp))
	}
	return multiAddrs, nil
}

func isIp6(m ma.Multiaddr) bool {
	c, _ := ma.SplitFirst(m)
	if c == nil || c.Protocol().Code != ma.P_IP6 {
		return false
	}
	return true
}

func createCid(key string) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum([]byte(key))
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}

func hostMatches(host, addrInfo peer.AddrInfo) (bool, error) {
	// Skip self when address ID matches host ID.
	if host.ID != "" && addrInfo.ID != "" {
		return host.ID == addrInfo.ID, nil
	}
	if len(host.Addrs) == 0 {
		return false, nil
	}

	// Skip self when IP and port match.
	hostIP, err := manet.ToIP(host.Addrs[0])
	if err != nil {
		return false, err
	}
	hostPort, _ := host.Addrs[0].ValueForProtocol(ma.P_TCP)
	for _, addr := range addrInfo.Addrs {
		addrIP, err := manet.ToIP(addr)
		if err != nil {
			return false, err
		}
		if !hostIP.Equal(addrIP) {
			continue
		}
		addrPort, err := addr.ValueForProtocol(ma.P_TCP)
		if err != nil || addrPort == hostPort {
			return true, nil
		}
	}

	return false, nil
}

func loadOrCreatePrivateKey(ctx context.Context, fs afero.Fs, dataDir string) (crypto.PrivKey, error) { //nolint: ireturn // LibP2P returns interfaces so we also have to.
	keyPath := filepath.Join(dataDir, "private.key")
	log := logr.FromContextOrDiscard(ctx).WithValues("path", keyPath)
	err := fs.MkdirAll(dataDir, os.FileMode(0o755))
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(fs, keyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Info("creating a new private key")
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		rawBytes, err := privKey.Raw()
		if err != nil {
			return nil, err
		}
		pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(rawBytes))
		if err != nil {
			return nil, err
		}
		block := &pem.Block{
			Type:  "PRIVATE KEY",
			Bytes: pkcs8Bytes,
		}
		pemData := pem.EncodeToMemory(block)
		err = afero.WriteFile(fs, keyPath, pemData, os.FileMode(0o600))
		if err != nil {
			return nil, err
		}
		return privKey, nil
	}
	log.Info("loading the private key from data directory")
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid PEM block type %s", block.Type)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("not an Ed25519 private key")
	}
	privKey, err := crypto.UnmarshalEd25519PrivateKey(edKey)
	if err != nil {
		return nil, err
	}
	return privKey, nil
}
