package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvelopeType tags the first byte of every envelope on the wire.
type EnvelopeType byte

const (
	// EnvelopeType0 is the default symmetric-key encrypted envelope.
	EnvelopeType0 EnvelopeType = 0
	// EnvelopeType1 embeds the sender's public key so the receiver can
	// derive the shared key, used in the authenticated handshake.
	EnvelopeType1 EnvelopeType = 1
	// EnvelopeType2 is a cleartext envelope used only for unauthenticated
	// relay housekeeping messages.
	EnvelopeType2 EnvelopeType = 2
)

// NonceLength is the ChaCha20-Poly1305 nonce size.
const NonceLength = chacha20poly1305.NonceSize

// Envelope is a parsed wire envelope.
type Envelope struct {
	Type            EnvelopeType
	SenderPublicKey []byte // 32 bytes, type 1 only
	Nonce           []byte // 12 bytes, encrypted types only
	Sealed          []byte // ciphertext+tag, or cleartext for type 2
}

// Serialize renders the envelope into its unpadded base64url wire form.
func (e *Envelope) Serialize() (string, error) {
	var raw []byte
	switch e.Type {
	case EnvelopeType2:
		raw = append([]byte{byte(EnvelopeType2)}, e.Sealed...)
	case EnvelopeType1:
		if len(e.SenderPublicKey) != KeyLength {
			return "", fmt.Errorf("%w: type 1 envelope requires sender public key", ErrInvalidEnvelope)
		}
		raw = make([]byte, 0, 1+KeyLength+len(e.Nonce)+len(e.Sealed))
		raw = append(raw, byte(EnvelopeType1))
		raw = append(raw, e.SenderPublicKey...)
		raw = append(raw, e.Nonce...)
		raw = append(raw, e.Sealed...)
	case EnvelopeType0:
		raw = make([]byte, 0, 1+len(e.Nonce)+len(e.Sealed))
		raw = append(raw, byte(EnvelopeType0))
		raw = append(raw, e.Nonce...)
		raw = append(raw, e.Sealed...)
	default:
		return "", fmt.Errorf("%w: unknown envelope type %d", ErrInvalidEnvelope, e.Type)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseEnvelope decodes the base64url wire form into its components.
func ParseEnvelope(encoded string) (*Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded or standard-alphabet input from older peers.
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: not base64", ErrInvalidEnvelope)
		}
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidEnvelope)
	}

	envelope := &Envelope{Type: EnvelopeType(raw[0])}
	body := raw[1:]

	switch envelope.Type {
	case EnvelopeType2:
		envelope.Sealed = body
		return envelope, nil
	case EnvelopeType1:
		if len(body) < KeyLength+NonceLength {
			return nil, fmt.Errorf("%w: type 1 envelope too short", ErrInvalidEnvelope)
		}
		envelope.SenderPublicKey = body[:KeyLength]
		envelope.Nonce = body[KeyLength : KeyLength+NonceLength]
		envelope.Sealed = body[KeyLength+NonceLength:]
		return envelope, nil
	case EnvelopeType0:
		if len(body) < NonceLength {
			return nil, fmt.Errorf("%w: type 0 envelope too short", ErrInvalidEnvelope)
		}
		envelope.Nonce = body[:NonceLength]
		envelope.Sealed = body[NonceLength:]
		return envelope, nil
	default:
		return nil, fmt.Errorf("%w: unknown envelope type %d", ErrInvalidEnvelope, envelope.Type)
	}
}

// EncryptEnvelope seals plaintext under the hex symmetric key with a fresh
// random nonce and returns the wire form. senderPublicHex is required for
// type 1 and ignored otherwise.
func EncryptEnvelope(symKeyHex string, plaintext []byte, envType EnvelopeType, senderPublicHex string) (string, error) {
	key, err := decodeKey(symKeyHex)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	envelope := &Envelope{
		Type:   envType,
		Nonce:  nonce,
		Sealed: aead.Seal(nil, nonce, plaintext, nil),
	}
	if envType == EnvelopeType1 {
		sender, err := decodeKey(senderPublicHex)
		if err != nil {
			return "", fmt.Errorf("type 1 envelope sender key: %w", err)
		}
		envelope.SenderPublicKey = sender[:]
	}
	return envelope.Serialize()
}

// DecryptEnvelope opens a parsed encrypted envelope with the hex symmetric
// key. It fails with ErrDecrypt on any authentication failure; a tampered
// envelope is never returned as corrupted plaintext.
func DecryptEnvelope(symKeyHex string, envelope *Envelope) ([]byte, error) {
	if envelope.Type == EnvelopeType2 {
		return envelope.Sealed, nil
	}

	key, err := decodeKey(symKeyHex)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, envelope.Nonce, envelope.Sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncodeCleartextEnvelope wraps a message in a type 2 envelope.
func EncodeCleartextEnvelope(message []byte) (string, error) {
	envelope := &Envelope{Type: EnvelopeType2, Sealed: message}
	return envelope.Serialize()
}
