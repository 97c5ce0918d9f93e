package metacrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefKeyAgreementRoundTrip(t *testing.T) {
	alice, err := NewRefKeyAgreement("alice")
	require.NoError(t, err)
	bob, err := NewRefKeyAgreement("bob")
	require.NoError(t, err)

	alice.Trust("bob", bob.PublicKey())
	bob.Trust("alice", alice.PublicKey())

	ciphertext, err := alice.Encrypt("bob", []byte("session-key-material"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "session-key-material", string(plaintext))
}

func TestRefHasherDeterministic(t *testing.T) {
	h := RefHasher{}
	nonce := []byte("nonce-value")

	require.Equal(t, h.Hash(nonce), h.Hash(nonce))
	require.NotEqual(t, h.Hash(nonce), h.Hash([]byte("other")))
}

func TestRefSessionCipherRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	c := NewRefSessionCipher(key)
	defer c.Close()

	sealed := c.Seal([]byte("hello"))
	opened, err := c.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "hello", string(opened))
}
