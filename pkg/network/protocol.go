package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"

	"awgateway/pkg/address"
	"awgateway/pkg/metrics"
	"awgateway/pkg/store"
)

// ProtocolID is the stream protocol used to fetch content from a peer. The
// request is the raw address, the response a status byte followed by the
// content when the status is statusOK.
const ProtocolID = "/awgateway/data/1.0.0"

const (
	statusOK byte = iota
	statusNotFound
	statusError
)

const streamTimeout = time.Minute

type ServerConfig struct {
	Log logr.Logger
}

type ServerOption func(cfg *ServerConfig) error

func WithServerLogger(log logr.Logger) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.Log = log
		return nil
	}
}

// Server answers fetch requests from other peers out of the local store.
type Server struct {
	host  host.Host
	store store.Store
	log   logr.Logger
}

func NewServer(h host.Host, st store.Store, opts ...ServerOption) (*Server, error) {
	cfg := ServerConfig{
		Log: logr.Discard(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	s := &Server{
		host:  h,
		store: st,
		log:   cfg.Log.WithName("server"),
	}
	h.SetStreamHandler(ProtocolID, s.handleStream)
	return s, nil
}

func (s *Server) Close() {
	s.host.RemoveStreamHandler(ProtocolID)
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamTimeout))
	log := s.log.WithValues("peer", stream.Conn().RemotePeer().String())

	b := make([]byte, address.Size)
	if _, err := io.ReadFull(stream, b); err != nil {
		log.Error(err, "could not read fetch request")
		metrics.ServedRequestsTotal.WithLabelValues("bad-request").Inc()
		_ = stream.Reset()
		return
	}
	addr, err := address.FromBytes(b)
	if err != nil {
		metrics.ServedRequestsTotal.WithLabelValues("bad-request").Inc()
		_ = stream.Reset()
		return
	}
	log = log.WithValues("address", addr.String())

	data, err := s.store.Get(context.Background(), addr)
	if errors.Is(err, store.ErrNotFound) {
		log.V(4).Info("requested content not found")
		metrics.ServedRequestsTotal.WithLabelValues("not-found").Inc()
		_, _ = stream.Write([]byte{statusNotFound})
		return
	}
	if err != nil {
		log.Error(err, "could not read requested content")
		metrics.ServedRequestsTotal.WithLabelValues("error").Inc()
		_, _ = stream.Write([]byte{statusError})
		return
	}

	w := bufio.NewWriter(stream)
	_ = w.WriteByte(statusOK)
	_, _ = w.Write(data)
	if err := w.Flush(); err != nil {
		log.Error(err, "could not write content")
		metrics.ServedRequestsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.ServedRequestsTotal.WithLabelValues("ok").Inc()
	log.V(4).Info("served content", "size", len(data))
}

// fetchFrom requests addr from a single peer and verifies the response.
func fetchFrom(ctx context.Context, stream network.Stream, addr address.ContentAddress, maxSize int64) ([]byte, error) {
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if _, err := stream.Write(addr[:]); err != nil {
		_ = stream.Reset()
		return nil, fmt.Errorf("could not write fetch request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		_ = stream.Reset()
		return nil, err
	}

	r := bufio.NewReader(stream)
	status, err := r.ReadByte()
	if err != nil {
		_ = stream.Reset()
		return nil, fmt.Errorf("could not read fetch response: %w", err)
	}
	switch status {
	case statusOK:
	case statusNotFound:
		return nil, errors.Join(store.ErrNotFound, fmt.Errorf("peer does not have content %s", addr))
	default:
		return nil, fmt.Errorf("peer failed to serve content %s", addr)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		_ = stream.Reset()
		return nil, fmt.Errorf("could not read content: %w", err)
	}
	if int64(len(data)) > maxSize {
		_ = stream.Reset()
		return nil, fmt.Errorf("%w: content %s exceeds %d bytes", ErrContentTooLarge, addr, maxSize)
	}
	if err := addr.Verify(data); err != nil {
		return nil, err
	}
	return data, nil
}
