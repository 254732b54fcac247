package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"awgateway/pkg/address"
	"awgateway/pkg/gateway"
	"awgateway/pkg/logging"
	"awgateway/pkg/lossy"
	"awgateway/pkg/metrics"
	"awgateway/pkg/network"
	"awgateway/pkg/routing"
	"awgateway/pkg/state"
	"awgateway/pkg/store"
)

type BootstrapConfig struct {
	BootstrapKind       string   `arg:"--bootstrap-kind,env:BOOTSTRAP_KIND" default:"static" help:"Kind of bootstrapper to use, static, dns or http."`
	Peers               []string `arg:"--peers,env:PEERS" help:"Multiaddresses of peers to bootstrap with."`
	PeersFile           string   `arg:"--peers-file,env:PEERS_FILE" help:"TOML file with a peers list to bootstrap with."`
	DNSBootstrapDomain  string   `arg:"--dns-bootstrap-domain,env:DNS_BOOTSTRAP_DOMAIN" help:"Domain to use when bootstrapping using DNS."`
	DNSBootstrapServers []string `arg:"--dns-bootstrap-servers,env:DNS_BOOTSTRAP_SERVERS" help:"Name servers to query instead of the system resolvers."`
	HTTPBootstrapAddr   string   `arg:"--http-bootstrap-addr,env:HTTP_BOOTSTRAP_ADDR" help:"Address to serve for HTTP bootstrap."`
	HTTPBootstrapPeer   string   `arg:"--http-bootstrap-peer,env:HTTP_BOOTSTRAP_PEER" help:"Peer to HTTP bootstrap with."`
}

type NodeConfig struct {
	BootstrapConfig
	DataDir        string        `arg:"--data-dir,env:DATA_DIR" default:"/var/lib/awgateway" help:"Directory where the node key and stored content are persisted."`
	RouterAddr     string        `arg:"--router-addr,env:ROUTER_ADDR" default:":5001" help:"Address to serve router."`
	FetchAttempts  int           `arg:"--fetch-attempts,env:FETCH_ATTEMPTS" default:"1" help:"Number of attempts to fetch content, one disables retries."`
	FetchTimeout   time.Duration `arg:"--fetch-timeout,env:FETCH_TIMEOUT" default:"30s" help:"Max duration of a single fetch attempt."`
	DialTimeout    time.Duration `arg:"--dial-timeout,env:DIAL_TIMEOUT" default:"10s" help:"Max duration spent dialing a bootstrap peer."`
	MaxContentSize int64         `arg:"--max-content-size,env:MAX_CONTENT_SIZE" default:"16777216" help:"Max size in bytes of content fetched from or added to the network."`
	CacheSize      int           `arg:"--cache-size,env:CACHE_SIZE" default:"128" help:"Number of fetched contents kept in memory."`
}

type GatewayCmd struct {
	NodeConfig
	ListenAddr     string        `arg:"--listen-addr,env:LISTEN_ADDR" default:"127.0.0.1:8081" help:"Address to serve the HTTP gateway."`
	MetricsAddr    string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
	KeepAlive      time.Duration `arg:"--keep-alive,env:KEEP_ALIVE" default:"75s" help:"Idle timeout of client connections, zero disables keep-alives."`
	RequestTimeout time.Duration `arg:"--request-timeout,env:REQUEST_TIMEOUT" default:"0s" help:"Max duration spent connecting and fetching for a request, zero means no limit."`
	DocsEnabled    bool          `arg:"--docs-enabled,env:DOCS_ENABLED" default:"false" help:"When true the OpenAPI document is served."`
}

type GetCmd struct {
	NodeConfig
	Address string `arg:"positional,required" help:"Content address to fetch."`
}

type PutCmd struct {
	NodeConfig
	Advertise bool   `arg:"--advertise,env:ADVERTISE" default:"false" help:"When true the node joins the network and advertises the content before exiting, otherwise a running gateway advertises it on its next refresh."`
	File      string `arg:"positional,required" help:"File to add to the store."`
}

type Arguments struct {
	Gateway   *GatewayCmd    `arg:"subcommand:gateway"`
	Get       *GetCmd        `arg:"subcommand:get"`
	Put       *PutCmd        `arg:"subcommand:put"`
	LogLevel  slog.Level     `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
	LogFormat logging.Format `arg:"--log-format,env:LOG_FORMAT" default:"json" help:"Log record format, json or text."`
	LogOutput string         `arg:"--log-output,env:LOG_OUTPUT" default:"stderr" help:"Where logs are written, stderr, stdout or a file path."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	guard, err := logging.New(afero.NewOsFs(), args.LogOutput, args.LogFormat, args.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := guard.Logger
	ctx := logr.NewContext(context.Background(), log)
	log.Info("starting awgateway", "args", os.Args, "version", version())

	err = run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		_ = guard.Close()
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
	_ = guard.Close()
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer cancel()
	switch {
	case args.Gateway != nil:
		return gatewayCommand(ctx, args.Gateway)
	case args.Get != nil:
		return getCommand(ctx, args.Get)
	case args.Put != nil:
		return putCommand(ctx, args.Put)
	default:
		return errors.New("unknown subcommand")
	}
}

type node struct {
	router    *routing.P2PRouter
	store     *store.Dir
	server    *network.Server
	connector *network.P2PConnector
}

func newNode(ctx context.Context, cfg NodeConfig) (*node, error) {
	log := logr.FromContextOrDiscard(ctx)
	fs := afero.NewOsFs()

	bootstrapper, err := getBootstrapper(fs, cfg.BootstrapConfig)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewP2PRouter(ctx, cfg.RouterAddr, bootstrapper, routing.WithDataDir(cfg.DataDir), routing.WithFileSystem(fs))
	if err != nil {
		return nil, err
	}
	st, err := store.NewDir(fs, filepath.Join(cfg.DataDir, "content"))
	if err != nil {
		return nil, err
	}
	srv, err := network.NewServer(router.Host(), st, network.WithServerLogger(log))
	if err != nil {
		return nil, err
	}
	cache, err := store.NewCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	clientOpts := []network.ClientOption{
		network.WithLogger(log),
		network.WithCache(cache),
		network.WithFetchAttempts(cfg.FetchAttempts),
		network.WithFetchTimeout(cfg.FetchTimeout),
		network.WithDialTimeout(cfg.DialTimeout),
		network.WithMaxContentSize(cfg.MaxContentSize),
	}
	connector, err := network.NewP2PConnector(router.Host(), router, bootstrapper, st, clientOpts...)
	if err != nil {
		return nil, err
	}
	return &node{
		router:    router,
		store:     st,
		server:    srv,
		connector: connector,
	}, nil
}

func gatewayCommand(ctx context.Context, args *GatewayCmd) (err error) {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	// Node
	n, err := newNode(ctx, args.NodeConfig)
	if err != nil {
		return err
	}
	defer n.server.Close()
	g.Go(func() error {
		return n.router.Run(ctx)
	})

	// State tracking
	g.Go(func() error {
		return state.Track(ctx, n.store, n.router)
	})

	// Gateway
	gatewayOpts := []gateway.GatewayOption{
		gateway.WithLogger(log),
		gateway.WithKeepAlive(args.KeepAlive),
		gateway.WithRequestTimeout(args.RequestTimeout),
		gateway.WithDocs(args.DocsEnabled),
	}
	gw, err := gateway.NewGateway(n.connector, n.router, gatewayOpts...)
	if err != nil {
		return err
	}
	gwSrv := gw.Server(args.ListenAddr)
	g.Go(func() error {
		if err := gwSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return gwSrv.Shutdown(shutdownCtx)
	})

	// Metrics
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running awgateway", "gateway", args.ListenAddr, "router", args.RouterAddr, "metrics", args.MetricsAddr)
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func getCommand(ctx context.Context, args *GetCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	addr, err := address.Parse(args.Address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	n, err := newNode(ctx, args.NodeConfig)
	if err != nil {
		return err
	}
	defer n.server.Close()
	g.Go(func() error {
		return n.router.Run(ctx)
	})
	g.Go(func() error {
		defer cancel()

		client, err := n.connector.Connect(ctx)
		if err != nil {
			return fmt.Errorf("could not connect to network: %w", err)
		}
		err = waitForRouter(ctx, n.router)
		if err != nil {
			log.Info("router is not ready, continuing with fetch", "error", err.Error())
		}
		data, err := client.DataGet(ctx, addr)
		if err != nil {
			return fmt.Errorf("could not get content from network: %w", err)
		}
		w := lossy.NewWriter(os.Stdout)
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	})
	return g.Wait()
}

func waitForRouter(ctx context.Context, router routing.Router) error {
	return retry.Do(
		func() error {
			ok, err := router.Ready(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("router has no peers")
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(20),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func putCommand(ctx context.Context, args *PutCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	fs := afero.NewOsFs()
	data, err := afero.ReadFile(fs, args.File)
	if err != nil {
		return err
	}

	var addr address.ContentAddress
	if args.Advertise {
		addr, err = advertisedPut(ctx, args.NodeConfig, data)
	} else {
		addr, err = localPut(ctx, fs, args.NodeConfig, data)
	}
	if err != nil {
		return err
	}
	log.Info("added content to store", "address", addr.String(), "size", len(data), "advertised", args.Advertise)
	fmt.Println(addr.String())
	return nil
}

func localPut(ctx context.Context, fs afero.Fs, cfg NodeConfig, data []byte) (address.ContentAddress, error) {
	if int64(len(data)) > cfg.MaxContentSize {
		return address.ContentAddress{}, fmt.Errorf("%w: %d bytes exceeds %d bytes", network.ErrContentTooLarge, len(data), cfg.MaxContentSize)
	}
	st, err := store.NewDir(fs, filepath.Join(cfg.DataDir, "content"))
	if err != nil {
		return address.ContentAddress{}, err
	}
	return st.Put(ctx, data)
}

func advertisedPut(ctx context.Context, cfg NodeConfig, data []byte) (address.ContentAddress, error) {
	log := logr.FromContextOrDiscard(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	n, err := newNode(ctx, cfg)
	if err != nil {
		return address.ContentAddress{}, err
	}
	defer n.server.Close()
	g.Go(func() error {
		return n.router.Run(ctx)
	})

	var addr address.ContentAddress
	g.Go(func() error {
		defer cancel()

		client, err := n.connector.Connect(ctx)
		if err != nil {
			return fmt.Errorf("could not connect to network: %w", err)
		}
		err = waitForRouter(ctx, n.router)
		if err != nil {
			log.Info("router is not ready, advertising anyway", "error", err.Error())
		}
		addr, err = client.DataPut(ctx, data)
		return err
	})
	if err := g.Wait(); err != nil {
		return address.ContentAddress{}, err
	}
	return addr, nil
}

func getBootstrapper(fs afero.Fs, cfg BootstrapConfig) (routing.Bootstrapper, error) { //nolint: ireturn // Return type can be different structs.
	switch cfg.BootstrapKind {
	case "dns":
		bs := routing.NewDNSBootstrapper(cfg.DNSBootstrapDomain, 10)
		if len(cfg.DNSBootstrapServers) > 0 {
			bs = bs.WithServers(cfg.DNSBootstrapServers...)
		}
		return bs, nil
	case "http":
		return routing.NewHTTPBootstrapper(cfg.HTTPBootstrapAddr, cfg.HTTPBootstrapPeer), nil
	case "static":
		peers := cfg.Peers
		if cfg.PeersFile != "" {
			filePeers, err := routing.LoadPeersFile(fs, cfg.PeersFile)
			if err != nil {
				return nil, err
			}
			peers = append(peers, filePeers...)
		}
		return routing.NewStaticBootstrapperFromStrings(peers)
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %s", cfg.BootstrapKind)
	}
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return info.Main.Version
}
