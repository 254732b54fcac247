package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// Bootstrapper supplies the peers used to join the network.
type Bootstrapper interface {
	// Run blocks until ctx is done. Bootstrappers that need to expose the
	// local peer use id, the full multiaddress of this host.
	Run(ctx context.Context, id string) error
	Get(ctx context.Context) ([]peer.AddrInfo, error)
}

var _ Bootstrapper = &StaticBootstrapper{}

// StaticBootstrapper returns a fixed peer list configured at startup.
type StaticBootstrapper struct {
	peers []peer.AddrInfo
}

func NewStaticBootstrapper(peers []peer.AddrInfo) *StaticBootstrapper {
	return &StaticBootstrapper{
		peers: peers,
	}
}

func NewStaticBootstrapperFromStrings(peerStrs []string) (*StaticBootstrapper, error) {
	peers, err := ParsePeers(peerStrs)
	if err != nil {
		return nil, err
	}
	return NewStaticBootstrapper(peers), nil
}

func (b *StaticBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *StaticBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	return slices.Clone(b.peers), nil
}

// ParsePeers parses multiaddresses. Addresses sharing a /p2p component are
// merged into one entry, addresses without one are returned with an empty ID.
func ParsePeers(peerStrs []string) ([]peer.AddrInfo, error) {
	peers := []peer.AddrInfo{}
	byID := map[peer.ID]int{}
	for _, s := range peerStrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", s, err)
		}
		transport, id := peer.SplitAddr(m)
		if transport == nil {
			return nil, fmt.Errorf("peer address %q has no transport", s)
		}
		if id == "" {
			peers = append(peers, peer.AddrInfo{Addrs: []ma.Multiaddr{transport}})
			continue
		}
		if i, ok := byID[id]; ok {
			peers[i].Addrs = append(peers[i].Addrs, transport)
			continue
		}
		byID[id] = len(peers)
		peers = append(peers, peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{transport}})
	}
	return peers, nil
}

type peersFile struct {
	Peers []string `toml:"peers"`
}

// LoadPeersFile reads a TOML document with a top level peers array.
func LoadPeersFile(fs afero.Fs, path string) ([]string, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	pf := peersFile{}
	err = toml.Unmarshal(b, &pf)
	if err != nil {
		return nil, fmt.Errorf("could not decode peers file %s: %w", path, err)
	}
	return pf.Peers, nil
}

var _ Bootstrapper = &DNSBootstrapper{}

// DNSBootstrapper resolves the A and AAAA records of a domain. The returned
// peers have no ID, it is resolved when dialing.
type DNSBootstrapper struct {
	client  *dns.Client
	domain  string
	servers []string
	limit   int
}

func NewDNSBootstrapper(domain string, limit int) *DNSBootstrapper {
	return &DNSBootstrapper{
		client: &dns.Client{Timeout: 5 * time.Second},
		domain: domain,
		limit:  limit,
	}
}

// WithServers overrides the name servers read from /etc/resolv.conf.
func (b *DNSBootstrapper) WithServers(servers ...string) *DNSBootstrapper {
	b.servers = servers
	return b
}

func (b *DNSBootstrapper) Run(ctx context.Context, id string) error {
	<-ctx.Done()
	return nil
}

func (b *DNSBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	servers := b.servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, err
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no name servers configured")
	}

	ips := []net.IP{}
	errs := []error{}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(b.domain), qtype)
		var resp *dns.Msg
		var err error
		for _, server := range servers {
			resp, _, err = b.client.ExchangeContext(ctx, msg, server)
			if err == nil {
				break
			}
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("lookup of %s returned %s", b.domain, dns.RcodeToString[resp.Rcode]))
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("no addresses found for %s", b.domain)
	}

	addrInfos := []peer.AddrInfo{}
	for _, ip := range ips {
		if b.limit > 0 && len(addrInfos) >= b.limit {
			break
		}
		addr, err := manet.FromIP(ip)
		if err != nil {
			return nil, err
		}
		addrInfos = append(addrInfos, peer.AddrInfo{Addrs: []ma.Multiaddr{addr}})
	}
	return addrInfos, nil
}

var _ Bootstrapper = &HTTPBootstrapper{}

// HTTPBootstrapper serves the local peer address on addr and bootstraps from
// the address served by peer.
type HTTPBootstrapper struct {
	addr string
	peer string
}

func NewHTTPBootstrapper(addr, peer string) *HTTPBootstrapper {
	return &HTTPBootstrapper{
		addr: addr,
		peer: peer,
	}
}

func (b *HTTPBootstrapper) Run(ctx context.Context, id string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /id", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(id))
	})
	srv := &http.Server{
		Addr:    b.addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *HTTPBootstrapper) Get(ctx context.Context) ([]peer.AddrInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(b.peer, "/")+"/id", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expected bootstrap peer to respond with 200 OK but received: %s", resp.Status)
	}
	b2, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, err
	}
	addrInfo, err := peer.AddrInfoFromString(strings.TrimSpace(string(b2)))
	if err != nil {
		return nil, err
	}
	return []peer.AddrInfo{*addrInfo}, nil
}
