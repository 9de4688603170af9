package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DeriveSymKey computes the symmetric key shared by two X25519 key pairs:
// the raw shared secret is run through HKDF-SHA256 (no salt, no info) to
// produce a 32-byte key. Both peers derive the identical key from
// complementary halves, which is the core of the pairing handshake.
func DeriveSymKey(privateHex, peerPublicHex string) (string, error) {
	private, err := decodeKey(privateHex)
	if err != nil {
		return "", err
	}
	peerPublic, err := decodeKey(peerPublicHex)
	if err != nil {
		return "", err
	}

	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSymKey",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return "", fmt.Errorf("failed to compute shared secret: %w", err)
	}

	symKey := make([]byte, KeyLength)
	kdf := hkdf.New(sha256.New, shared, nil, nil)
	if _, err := io.ReadFull(kdf, symKey); err != nil {
		return "", fmt.Errorf("failed to derive symmetric key: %w", err)
	}

	// Wipe the intermediate shared secret.
	for i := range shared {
		shared[i] = 0
	}

	return hex.EncodeToString(symKey), nil
}

// HashKey returns the hex SHA-256 of a hex-encoded key. A topic is the
// hash of its symmetric key.
func HashKey(hexKey string) (string, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("%w: invalid hex key", ErrInvalidKey)
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

// HashMessage returns the hex SHA-256 of a UTF-8 message. The relay
// identifies published messages by this hash.
func HashMessage(message string) string {
	digest := sha256.Sum256([]byte(message))
	return hex.EncodeToString(digest[:])
}
