// Package identity holds the keystore of a peer. A peer is identified by
// its ed25519 public key, derived from a 32-byte seed persisted on disk.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raskyld/contained/pkg/fault"
)

var (
	ErrSeedSize   = errors.New("identity: seed must be 32 bytes")
	ErrPeerIDSize = errors.New("identity: peer id must be 32 bytes")
)

// PeerID is the ed25519 public key of a peer.
type PeerID [ed25519.PublicKeySize]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the 8 first hex digits, for logs.
func (id PeerID) Short() string {
	return id.String()[:8]
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

func (id PeerID) Compare(other PeerID) int {
	return bytes.Compare(id[:], other[:])
}

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fault.Wrap(fault.Serialization, err, "peer id")
	}
	if len(b) != len(id) {
		return id, fault.Wrap(fault.Serialization, ErrPeerIDSize, s)
	}
	copy(id[:], b)
	return id, nil
}

// Identity is the keypair of the local peer.
type Identity struct {
	ID   PeerID
	priv ed25519.PrivateKey
}

// Generate creates an identity from a fresh random seed.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fault.Wrap(fault.Io, err, "read random seed")
	}
	return FromSeed(seed)
}

func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fault.Wrap(fault.Serialization, ErrSeedSize, fmt.Sprintf("got %d bytes", len(seed)))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	ident := &Identity{priv: priv}
	copy(ident.ID[:], priv.Public().(ed25519.PublicKey))
	return ident, nil
}

// Load reads a seed blob written by Save.
func Load(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.Io, err, "read keystore")
	}
	return FromSeed(seed)
}

// LoadOrGenerate loads the keystore at path, creating it when missing.
func LoadOrGenerate(path string) (*Identity, bool, error) {
	ident, err := Load(path)
	if err == nil {
		return ident, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	ident, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := ident.Save(path); err != nil {
		return nil, false, err
	}
	return ident, true, nil
}

// Save writes the seed with owner-only permissions. An existing keystore is
// never overwritten.
func (ident *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fault.Wrap(fault.Io, err, "create keystore directory")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fault.Wrap(fault.Io, err, "create keystore")
	}
	if _, err := f.Write(ident.priv.Seed()); err != nil {
		f.Close()
		return fault.Wrap(fault.Io, err, "write keystore")
	}
	if err := f.Close(); err != nil {
		return fault.Wrap(fault.Io, err, "write keystore")
	}
	return nil
}

func (ident *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(ident.priv, msg)
}

// Verify checks a signature made by the peer owning id.
func Verify(id PeerID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}
