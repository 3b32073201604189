package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Keypair holds one agent identity.
type Keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a fresh ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{private: priv, public: pub}, nil
}

// FromSeed derives a deterministic keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate reads a hex seed file, generating and persisting one if absent.
func LoadOrGenerate(path string) (*Keypair, error) {
	if path == "" {
		return Generate()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := hex.DecodeString(string(trimNewline(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, decErr)
		}
		return FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.private.Seed())), 0o600); err != nil {
		return nil, err
	}
	return kp, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Identity returns the base64 raw public key, the agent's wire identity.
func (k *Keypair) Identity() string {
	return base64.StdEncoding.EncodeToString(k.public)
}

// Fingerprint returns the blake2b-256 hex digest of the public key.
func (k *Keypair) Fingerprint() string {
	sum := blake2b.Sum256(k.public)
	return hex.EncodeToString(sum[:])
}

// Private exposes the signing key.
func (k *Keypair) Private() ed25519.PrivateKey { return k.private }

// Public exposes the verifying key.
func (k *Keypair) Public() ed25519.PublicKey { return k.public }

// Sign signs payload bytes with the private key.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// VerifyIdentity checks a signature against a base64 identity.
// Any failure, malformed identity included, rejects the payload.
func VerifyIdentity(identity string, payload, signature []byte) error {
	pubRaw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid identity size")
	}
	if len(signature) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, signature) {
		return errors.New("signature verification failed")
	}
	return nil
}
