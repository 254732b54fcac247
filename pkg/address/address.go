package address

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Size is the number of bytes in a content address.
const Size = 32

var (
	ErrInvalidEncoding = errors.New("invalid encoding")
	ErrInvalidLength   = errors.New("invalid length")
)

// ContentAddress identifies a piece of content on the network. The address of
// content stored by this module is the SHA-256 digest of the content.
type ContentAddress [Size]byte

// Parse decodes a hex encoded content address as it appears in a URL path.
// A single trailing path separator is ignored.
func Parse(s string) (ContentAddress, error) {
	str := strings.TrimSuffix(s, "/")
	if str == "" {
		return ContentAddress{}, fmt.Errorf("invalid content address %q: %w: empty string", s, ErrInvalidEncoding)
	}
	b, err := hex.DecodeString(str)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("invalid content address %q: %w: %w", s, ErrInvalidEncoding, err)
	}
	if len(b) != Size {
		return ContentAddress{}, fmt.Errorf("invalid content address %q: %w: expected %d bytes but got %d", s, ErrInvalidLength, Size, len(b))
	}
	var addr ContentAddress
	copy(addr[:], b)
	return addr, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ContentAddress {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// FromBytes wraps b, which has to be exactly Size bytes long.
func FromBytes(b []byte) (ContentAddress, error) {
	if len(b) != Size {
		return ContentAddress{}, fmt.Errorf("%w: expected %d bytes but got %d", ErrInvalidLength, Size, len(b))
	}
	var addr ContentAddress
	copy(addr[:], b)
	return addr, nil
}

// Sum returns the address of data.
func Sum(data []byte) (ContentAddress, error) {
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return ContentAddress{}, err
	}
	decoded, err := mh.Decode(digest)
	if err != nil {
		return ContentAddress{}, err
	}
	return FromBytes(decoded.Digest)
}

// FromCID extracts the address from a CID created by CID.
func FromCID(c cid.Cid) (ContentAddress, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return ContentAddress{}, err
	}
	if decoded.Code != mh.SHA2_256 {
		return ContentAddress{}, fmt.Errorf("unsupported multihash %s", mh.Codes[decoded.Code])
	}
	return FromBytes(decoded.Digest)
}

func (a ContentAddress) String() string {
	return hex.EncodeToString(a[:])
}

func (a ContentAddress) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

func (a ContentAddress) IsZero() bool {
	return a == ContentAddress{}
}

// Key is the routing key used when advertising and resolving providers.
func (a ContentAddress) Key() string {
	return a.String()
}

// CID returns the address as a raw CIDv1 with a sha2-256 multihash.
func (a ContentAddress) CID() (cid.Cid, error) {
	digest, err := mh.Encode(a[:], mh.SHA2_256)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(uint64(mc.Raw), digest), nil
}

// Verify checks that data hashes to the address.
func (a ContentAddress) Verify(data []byte) error {
	sum, err := Sum(data)
	if err != nil {
		return err
	}
	if sum != a {
		return fmt.Errorf("content hash mismatch: expected %s but got %s", a, sum)
	}
	return nil
}

func (a ContentAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ContentAddress) UnmarshalText(text []byte) error {
	addr, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
