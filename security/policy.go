// Package security implements the AES-CTR encryption and HMAC-SHA256
// signing policies a SecurityGroup binds to a WriterGroup/ReaderGroup
// (spec §4.4).
package security

import "errors"

// ErrSignatureInvalid names a failed signature check. Policy.Verify
// itself reports the outcome as a bool and does not return this error.
var ErrSignatureInvalid = errors.New("security: signature invalid")

// ErrKeyTooShort is returned when a supplied key does not match the
// policy's required length.
var ErrKeyTooShort = errors.New("security: key material too short")

// KeyMaterial is one ring entry's keyed bytes, matching spec §3's
// SecurityGroup tuple (keyId, signingKey, encryptingKey, keyNonce).
type KeyMaterial struct {
	KeyID         uint32
	SigningKey    []byte
	EncryptingKey []byte
	Nonce         []byte
}

// Policy is a security policy URI's encrypt/decrypt/sign/verify
// surface (spec §4.4). Nonce handling is internal to each Policy
// implementation: the CTR policy builds each message's IV from the
// 4-byte key nonce (bytes 0-3) and the big-endian per-message counter
// (bytes 4-7), so encryptions under the same key with distinct counters
// use distinct keystreams.
type Policy interface {
	// URI identifies the policy, carried as SecurityGroup.securityPolicyUri.
	URI() string

	// KeyLengths returns the required (signingKeyLen, encryptingKeyLen, nonceLen) in bytes.
	KeyLengths() (signing, encrypting, nonce int)

	// Encrypt returns ciphertext for plaintext under key, using
	// messageNonceCounter to derive a unique per-message IV.
	Encrypt(key KeyMaterial, plaintext []byte, messageNonceCounter uint32) ([]byte, error)

	// Decrypt is Encrypt's inverse.
	Decrypt(key KeyMaterial, ciphertext []byte, messageNonceCounter uint32) ([]byte, error)

	// Sign returns the truncated HMAC tag over msg.
	Sign(key KeyMaterial, msg []byte) ([]byte, error)

	// Verify reports whether tag is msg's valid signature under key.
	Verify(key KeyMaterial, msg, tag []byte) bool

	// TagLength is the byte length Sign always returns.
	TagLength() int
}

const (
	URIAes128CTR = "http://opcfoundation.org/UA/SecurityPolicy#PubSub-Aes128-CTR"
	URIAes256CTR = "http://opcfoundation.org/UA/SecurityPolicy#PubSub-Aes256-CTR"
)

// ByURI returns the Policy for a known securityPolicyUri.
func ByURI(uri string) (Policy, bool) {
	switch uri {
	case URIAes128CTR:
		return aesCTRPolicy{keyBytes: 16}, true
	case URIAes256CTR:
		return aesCTRPolicy{keyBytes: 32}, true
	default:
		return nil, false
	}
}
