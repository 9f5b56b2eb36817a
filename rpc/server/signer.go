package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// keyFileName is where a node persists its identity under the data
// directory.
const keyFileName = "node.key"

// Signer holds the node's ed25519 identity. Envelopes between swarm members
// are signed with it, the matching public key is what peers and clients use
// as the node's caller identity.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewEphemeralSigner generates a fresh identity that is lost on shutdown.
// Used by in-memory nodes and tests.
func NewEphemeralSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %v", err)
	}
	return &Signer{priv: priv}, nil
}

// LoadOrCreateSigner restores the node identity from the data directory,
// generating and persisting a new one on first start. An empty data
// directory yields an ephemeral identity.
func LoadOrCreateSigner(dataDir string) (*Signer, error) {
	if dataDir == "" {
		return NewEphemeralSigner()
	}

	path := filepath.Join(dataDir, keyFileName)
	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("node key at %s is corrupt", path)
		}
		return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
	}

	signer, err := NewEphemeralSigner()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	encoded := hex.EncodeToString(signer.priv.Seed())
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist node key: %v", err)
	}
	return signer, nil
}

// PublicKey returns the hex encoded public key, the node's identity on the
// wire.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// Sign stamps and signs the envelope in place. The signature covers the
// envelope hash, so it is independent of the serializer and of routing
// metadata added along the way.
func (s *Signer) Sign(env *proto.Envelope) {
	if env.Timestamp == 0 {
		env.Timestamp = uint64(time.Now().Unix())
	}
	env.Signature = ed25519.Sign(s.priv, []byte(env.Hash()))
}

// Verify checks an envelope signature against the sender's hex encoded
// public key.
func Verify(env *proto.Envelope, publicKey string) bool {
	pub, err := hex.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, []byte(env.Hash()), env.Signature)
}
