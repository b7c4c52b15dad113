package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Signer is the opaque identity capability mutations are signed with. The
// orchestrator never inspects it; callers supply one.
type Signer interface {
	Address() string
	Sign(msg []byte) ([]byte, error)
}

type keySigner struct {
	priv    ed25519.PrivateKey
	address string
}

// NewSignerFromHex builds a signer from a hex-encoded 32-byte ed25519 seed.
// The address is the last 20 bytes of the keccak-256 of the public key.
func NewSignerFromHex(seedHex string) (Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)

	return &keySigner{
		priv:    priv,
		address: "0x" + hex.EncodeToString(sum[12:]),
	}, nil
}

func (s *keySigner) Address() string { return s.address }

func (s *keySigner) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}
