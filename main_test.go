package main

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"awgateway/pkg/network"
	"awgateway/pkg/routing"
)

func TestGetBootstrapper(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	peerA := "/ip4/10.0.0.1/tcp/5001/p2p/" + newPeerID(t).String()
	peerB := "/ip4/10.0.0.2/tcp/5001/p2p/" + newPeerID(t).String()
	require.NoError(t, afero.WriteFile(fs, "/etc/awgateway/peers.toml", []byte("peers = [\""+peerB+"\"]\n"), 0o644))

	bs, err := getBootstrapper(fs, BootstrapConfig{BootstrapKind: "static", Peers: []string{peerA}, PeersFile: "/etc/awgateway/peers.toml"})
	require.NoError(t, err)
	peers, err := bs.Get(t.Context())
	require.NoError(t, err)
	require.Len(t, peers, 2)

	_, err = getBootstrapper(fs, BootstrapConfig{BootstrapKind: "static", PeersFile: "/missing.toml"})
	require.Error(t, err)

	bs, err = getBootstrapper(fs, BootstrapConfig{BootstrapKind: "dns", DNSBootstrapDomain: "peers.example.com"})
	require.NoError(t, err)
	require.IsType(t, &routing.DNSBootstrapper{}, bs)

	bs, err = getBootstrapper(fs, BootstrapConfig{BootstrapKind: "http", HTTPBootstrapAddr: ":8080"})
	require.NoError(t, err)
	require.IsType(t, &routing.HTTPBootstrapper{}, bs)

	_, err = getBootstrapper(fs, BootstrapConfig{BootstrapKind: "foo"})
	require.EqualError(t, err, "unknown bootstrap kind foo")
}

func newPeerID(t *testing.T) peer.ID {
	t.Helper()

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(privKey)
	require.NoError(t, err)
	return id
}

func TestLocalPut(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := NodeConfig{DataDir: "/var/lib/awgateway", MaxContentSize: 8}

	addr, err := localPut(t.Context(), fs, cfg, []byte("small"))
	require.NoError(t, err)
	b, err := afero.ReadFile(fs, "/var/lib/awgateway/content/"+addr.String())
	require.NoError(t, err)
	require.Equal(t, []byte("small"), b)

	_, err = localPut(t.Context(), fs, cfg, []byte("more than eight bytes"))
	require.ErrorIs(t, err, network.ErrContentTooLarge)
}
