package crypto

import "errors"

var (
	// ErrKeyNotFound indicates the keychain holds no key for the given tag
	// or topic.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidKey indicates key material that is not a valid hex-encoded
	// 32-byte key.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidEnvelope indicates bytes that do not parse as a protocol
	// envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrDecrypt indicates an authentication tag mismatch: the envelope
	// was tampered with or encrypted under a different key.
	ErrDecrypt = errors.New("failed to decrypt")
)
