// Package signer implements the signer capability of spec.md §9: a narrow
// interface (Sign plus PublicKey) so the core never sees raw key bytes,
// plus a concrete Ed25519 file-backed implementation for the body-signed
// place/cancel operations of spec.md §6.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Signer hides raw key material behind a single capability. The concrete
// implementation is injected; the strategy loop and adapter only ever see
// this interface.
type Signer interface {
	// Sign returns a signature over message.
	Sign(message []byte) ([]byte, error)
	// PublicKey returns the public key bytes, used to tag outgoing requests.
	PublicKey() []byte
}

// FileSigner is an Ed25519 signer whose private key is generated on first
// use and persisted 0600 under a configurable directory, one file per
// wallet. The atomic write-then-rename idiom mirrors the teacher's position
// store (internal/store/store.go) applied to key material instead of state.
type FileSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadOrCreate reads the Ed25519 key for wallet from <dir>/<wallet>.key,
// generating and persisting a fresh key pair if none exists.
func LoadOrCreate(dir, wallet string) (*FileSigner, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create signer key dir: %w", err)
	}

	path := keyPath(dir, wallet)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signer key %s: corrupt, expected %d bytes got %d", path, ed25519.PrivateKeySize, len(data))
		}
		priv := ed25519.PrivateKey(data)
		return &FileSigner{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signer key %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signer key: %w", err)
	}
	if err := persistKey(path, priv); err != nil {
		return nil, err
	}
	return &FileSigner{priv: priv, pub: pub}, nil
}

func keyPath(dir, wallet string) string {
	return filepath.Join(dir, wallet+".key")
}

// persistKey writes the key via tmp-file-then-rename so a crash mid-write
// never leaves a truncated key on disk.
func persistKey(path string, priv ed25519.PrivateKey) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, priv, 0o600); err != nil {
		return fmt.Errorf("write signer key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist signer key: %w", err)
	}
	return nil
}

// Sign returns an Ed25519 signature over message.
func (s *FileSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// PublicKey returns the raw Ed25519 public key.
func (s *FileSigner) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}
