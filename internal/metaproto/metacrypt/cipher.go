// Package metacrypt declares the cryptographic collaborator
// interfaces the meta-protocol handshake calls into; the primitives
// themselves live elsewhere and the core only calls into them. It
// also ships a reference implementation built on
// golang.org/x/crypto/nacl/box, which the tests use to exercise the
// handshake state machine end to end and which cmd/tincd wires in as
// its default collaborator. It is not a production cipher suite; that
// is an external collaborator this repository does not own.
package metacrypt

// KeyAgreement performs the asymmetric exchange used in the METAKEY
// step: encrypting/decrypting a random session key under a peer's
// long-term public key.
type KeyAgreement interface {
	// Encrypt seals plaintext for the peer identified by
	// fingerprint.
	Encrypt(fingerprint string, plaintext []byte) ([]byte, error)
	// Decrypt opens a ciphertext addressed to us.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// SessionCipher performs symmetric encryption/MAC under a negotiated
// session key, used for the CHALLENGE/CHAL_REPLY exchange and, in the
// real production stack, for data-plane payload protection (out of
// scope here).
type SessionCipher interface {
	Seal(plaintext []byte) []byte
	Open(ciphertext []byte) ([]byte, error)
	// Close releases any resources (key material) held by the
	// context. Connection.Close calls this on disconnect.
	Close()
}

// Hasher computes the CHAL_REPLY digest of a received nonce.
type Hasher interface {
	Hash(nonce []byte) []byte
}
