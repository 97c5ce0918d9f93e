package metacrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

// RefKeyAgreement is a nacl/box-backed reference KeyAgreement, not a
// production key agreement — see the package doc comment.
type RefKeyAgreement struct {
	mu      sync.Mutex
	peers   map[string]*[32]byte // fingerprint -> public key
	priv    *[32]byte
	pub     *[32]byte
	nameFor map[string]string
}

// NewRefKeyAgreement generates a fresh keypair registered under
// fingerprint self.
func NewRefKeyAgreement(self string) (*RefKeyAgreement, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	k := &RefKeyAgreement{
		peers:   map[string]*[32]byte{self: pub},
		priv:    priv,
		pub:     pub,
		nameFor: map[string]string{},
	}

	return k, nil
}

// PublicKey returns this party's public key bytes.
func (k *RefKeyAgreement) PublicKey() [32]byte {
	return *k.pub
}

// Trust registers a peer's public key under fingerprint, the
// equivalent of loading a host key file in the real daemon.
func (k *RefKeyAgreement) Trust(fingerprint string, pub [32]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[fingerprint] = &pub
}

func (k *RefKeyAgreement) Encrypt(fingerprint string, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	peerPub, ok := k.peers[fingerprint]
	k.mu.Unlock()

	if !ok {
		return nil, errors.New("metacrypt: unknown peer fingerprint")
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	sealed := box.Seal(nonce[:], plaintext, &nonce, peerPub, k.priv)
	return sealed, nil
}

func (k *RefKeyAgreement) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, errors.New("metacrypt: ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, peerPub := range k.peers {
		if out, ok := box.Open(nil, ciphertext[24:], &nonce, peerPub, k.priv); ok {
			return out, nil
		}
	}

	return nil, errors.New("metacrypt: decryption failed for all known peers")
}

// RefHasher is a sha256-based reference Hasher.
type RefHasher struct{}

func (RefHasher) Hash(nonce []byte) []byte {
	sum := sha256.Sum256(nonce)
	return sum[:]
}

// RefSessionCipher is a nacl/secretbox-free stand-in built on the same
// box primitives for the already-negotiated session key case. The
// handshake uses it for every connection's session ciphers.
type RefSessionCipher struct {
	key [32]byte
}

// NewRefSessionCipher wraps a raw session key.
func NewRefSessionCipher(key [32]byte) *RefSessionCipher {
	return &RefSessionCipher{key: key}
}

func (c *RefSessionCipher) Seal(plaintext []byte) []byte {
	var nonce [24]byte
	rand.Read(nonce[:]) //nolint:errcheck

	out := make([]byte, 0, 24+len(plaintext)+box.Overhead)
	out = append(out, nonce[:]...)

	// box.SealAfterPrecomputation with the raw session key used
	// directly as the precomputed shared key: a reference stand-in,
	// not a real security boundary.
	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, &c.key)
	return append(out, sealed...)
}

func (c *RefSessionCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, errors.New("metacrypt: ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	out, ok := box.OpenAfterPrecomputation(nil, ciphertext[24:], &nonce, &c.key)
	if !ok {
		return nil, errors.New("metacrypt: open failed")
	}

	return out, nil
}

func (c *RefSessionCipher) Close() {
	for i := range c.key {
		c.key[i] = 0
	}
}
