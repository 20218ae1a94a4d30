package security

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestAes128CTRRoundTrip(t *testing.T) {
	policy, ok := ByURI(URIAes128CTR)
	require.True(t, ok)
	signing, encrypting, nonce := policy.KeyLengths()

	key := KeyMaterial{
		KeyID:         1,
		SigningKey:    randKey(t, signing),
		EncryptingKey: randKey(t, encrypting),
		Nonce:         randKey(t, nonce),
	}

	plaintext := []byte("dataset message payload bytes")
	ciphertext, err := policy.Encrypt(key, plaintext, 42)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := policy.Decrypt(key, ciphertext, 42)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAes256CTRRejectsWrongKeyLength(t *testing.T) {
	policy, ok := ByURI(URIAes256CTR)
	require.True(t, ok)
	key := KeyMaterial{
		SigningKey:    randKey(t, 32),
		EncryptingKey: randKey(t, 16), // wrong: policy wants 32
		Nonce:         randKey(t, 4),
	}
	_, err := policy.Encrypt(key, []byte("x"), 0)
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestSignVerify(t *testing.T) {
	policy, _ := ByURI(URIAes128CTR)
	key := KeyMaterial{SigningKey: randKey(t, 32)}
	msg := []byte("network message header + payload bytes")

	tag, err := policy.Sign(key, msg)
	require.NoError(t, err)
	assert.Len(t, tag, policy.TagLength())
	assert.True(t, policy.Verify(key, msg, tag))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	assert.False(t, policy.Verify(key, tampered, tag))
}

func TestDifferentMessageCountersProduceDifferentCiphertext(t *testing.T) {
	policy, _ := ByURI(URIAes128CTR)
	signing, encrypting, nonce := policy.KeyLengths()
	key := KeyMaterial{
		SigningKey:    randKey(t, signing),
		EncryptingKey: randKey(t, encrypting),
		Nonce:         randKey(t, nonce),
	}
	plaintext := []byte("same plaintext twice")
	c1, err := policy.Encrypt(key, plaintext, 1)
	require.NoError(t, err)
	c2, err := policy.Encrypt(key, plaintext, 2)
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestByURIUnknown(t *testing.T) {
	_, ok := ByURI("not-a-real-policy")
	assert.False(t, ok)
}
