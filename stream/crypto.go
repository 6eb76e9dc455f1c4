package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Key derivation strings. Each purpose-specific key is derived from the
// connection's shared secret with HMAC-SHA256 so that compromise of one
// derived key reveals nothing about the others.
var (
	encryptionKeyString  = []byte("ilp_stream_encryption")
	fulfillmentKeyString = []byte("ilp_stream_fulfillment")
	sharedSecretString   = []byte("ilp_stream_shared_secret")
)

// nonceSize is the size of the random nonce prepended to every
// ciphertext.
const nonceSize = 12

func hmacSha256(key, message []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Encrypt seals the plaintext with AES-256-GCM under a key derived from
// the shared secret. The random nonce is prepended to the returned
// ciphertext.
func Encrypt(sharedSecret, plaintext []byte) ([]byte, error) {
	key := hmacSha256(sharedSecret, encryptionKeyString)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Failure to decrypt is
// an expected event when a packet was not produced by the holder of the
// shared secret.
func Decrypt(sharedSecret, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext of %d bytes is too short",
			len(ciphertext))
	}
	key := hmacSha256(sharedSecret, encryptionKeyString)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:],
		nil)
}

// GenerateFulfillment derives the 32-byte fulfillment binding the passed
// data to the shared secret. Only parties holding the secret can
// regenerate it.
func GenerateFulfillment(sharedSecret, data []byte) [32]byte {
	key := hmacSha256(sharedSecret, fulfillmentKeyString)
	return hmacSha256(key[:], data)
}

// GenerateCondition derives the execution condition matching
// GenerateFulfillment for the same inputs: the SHA-256 hash of the
// fulfillment.
func GenerateCondition(sharedSecret, data []byte) [32]byte {
	fulfillment := GenerateFulfillment(sharedSecret, data)
	return sha256.Sum256(fulfillment[:])
}

// GenerateSharedSecret derives a per-connection shared secret from a
// long-lived server secret and the connection's token. The receiving
// side recomputes the same secret from the token embedded in the
// destination address.
func GenerateSharedSecret(serverSecret, token []byte) [32]byte {
	key := hmacSha256(serverSecret, sharedSecretString)
	return hmacSha256(key[:], token)
}

// RandomCondition returns 32 bytes of cryptographically secure
// randomness, usable as an unfulfillable condition or a server secret.
func RandomCondition() [32]byte {
	var condition [32]byte
	if _, err := rand.Read(condition[:]); err != nil {
		panic(fmt.Sprintf("unable to read randomness: %v", err))
	}
	return condition
}

// RandomRequestID returns a uniformly random u32 used to correlate a
// Prepare with its reply.
func RandomRequestID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("unable to read randomness: %v", err))
	}
	return binary.BigEndian.Uint32(buf[:])
}
