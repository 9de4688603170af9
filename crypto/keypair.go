package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyLength is the byte length of keys, topics and shared secrets.
const KeyLength = 32

// KeyPair represents an X25519 key pair used for session key agreement.
type KeyPair struct {
	Public  [KeyLength]byte
	Private [KeyLength]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [KeyLength]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: private}
	copy(keyPair.Public[:], public)
	return keyPair, nil
}

// PublicHex returns the hex encoding of the public key, the form carried in
// protocol messages.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// PrivateHex returns the hex encoding of the private key, the form stored
// in the keychain.
func (kp *KeyPair) PrivateHex() string {
	return hex.EncodeToString(kp.Private[:])
}

// RandomBytes32 returns 32 cryptographically secure random bytes as a hex
// string. Used for pairing symmetric keys, nonces and session identifiers.
func RandomBytes32() (string, error) {
	var buf [KeyLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// decodeKey parses a hex-encoded 32-byte key.
func decodeKey(hexKey string) ([KeyLength]byte, error) {
	var key [KeyLength]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("%w: invalid hex key", ErrInvalidKey)
	}
	if len(raw) != KeyLength {
		return key, fmt.Errorf("%w: key length %d, want %d", ErrInvalidKey, len(raw), KeyLength)
	}
	copy(key[:], raw)
	return key, nil
}
