package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// tagLength truncates the 32-byte HMAC-SHA256 output to 16 bytes
// (spec §4.4: "the tag is HMAC-SHA256 truncated per policy"); 16 bytes
// keeps the SecurityFooter small while leaving a forgery-resistant tag.
const tagLength = 16

// aesCTRPolicy implements both Aes128-CTR and Aes256-CTR; only the
// encrypting key length differs (spec §4.4: "16-byte encryption key...
// 32/32/4" for Aes256). Signing key and nonce length are fixed by the
// policy family regardless of the AES key size.
type aesCTRPolicy struct {
	keyBytes int
}

func (p aesCTRPolicy) URI() string {
	if p.keyBytes == 32 {
		return URIAes256CTR
	}
	return URIAes128CTR
}

func (p aesCTRPolicy) KeyLengths() (signing, encrypting, nonce int) {
	return 32, p.keyBytes, 4
}

func (p aesCTRPolicy) TagLength() int { return tagLength }

// buildIV derives the 16-byte CTR initialization vector from the
// policy's 4-byte per-key nonce and a 4-byte per-message counter the
// caller supplies (the NetworkMessage sequence number or an
// equivalent monotonic value), leaving the trailing 8 bytes as the
// block counter that cipher.NewCTR advances internally.
func buildIV(nonce []byte, messageNonceCounter uint32) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	copy(iv[0:4], nonce)
	binary.BigEndian.PutUint32(iv[4:8], messageNonceCounter)
	return iv
}

func (p aesCTRPolicy) cipherStream(key KeyMaterial, messageNonceCounter uint32) (cipher.Stream, error) {
	if len(key.EncryptingKey) != p.keyBytes {
		return nil, fmt.Errorf("%w: got %d want %d", ErrKeyTooShort, len(key.EncryptingKey), p.keyBytes)
	}
	if len(key.Nonce) != 4 {
		return nil, fmt.Errorf("%w: nonce got %d want 4", ErrKeyTooShort, len(key.Nonce))
	}
	block, err := aes.NewCipher(key.EncryptingKey)
	if err != nil {
		return nil, err
	}
	iv := buildIV(key.Nonce, messageNonceCounter)
	return cipher.NewCTR(block, iv[:]), nil
}

func (p aesCTRPolicy) Encrypt(key KeyMaterial, plaintext []byte, messageNonceCounter uint32) ([]byte, error) {
	stream, err := p.cipherStream(key, messageNonceCounter)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out, nil
}

func (p aesCTRPolicy) Decrypt(key KeyMaterial, ciphertext []byte, messageNonceCounter uint32) ([]byte, error) {
	// CTR mode is its own inverse.
	return p.Encrypt(key, ciphertext, messageNonceCounter)
}

func (p aesCTRPolicy) Sign(key KeyMaterial, msg []byte) ([]byte, error) {
	if len(key.SigningKey) != 32 {
		return nil, fmt.Errorf("%w: signing key got %d want 32", ErrKeyTooShort, len(key.SigningKey))
	}
	mac := hmac.New(sha256.New, key.SigningKey)
	mac.Write(msg)
	full := mac.Sum(nil)
	return full[:tagLength], nil
}

func (p aesCTRPolicy) Verify(key KeyMaterial, msg, tag []byte) bool {
	want, err := p.Sign(key, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(want, tag)
}
