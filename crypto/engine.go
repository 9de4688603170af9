package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/storage"
)

// EncodeOpts controls envelope encoding. The zero value produces a type 0
// envelope.
type EncodeOpts struct {
	Type EnvelopeType
	// SenderPublicKey and ReceiverPublicKey are required for type 1
	// envelopes: the shared key is derived from them and the envelope
	// carries the sender key on the wire.
	SenderPublicKey   string
	ReceiverPublicKey string
}

// DecodeOpts controls envelope decoding.
type DecodeOpts struct {
	// ReceiverPublicKey identifies the local key pair used to derive the
	// shared key of an inbound type 1 envelope.
	ReceiverPublicKey string
}

// Engine is the protocol's cryptographic engine. It owns the keychain and
// exposes key generation, shared key derivation, envelope encode/decode
// and the relay-auth client identity.
type Engine struct {
	keychain *KeyChain

	// sessionID is a random per-instance identifier used as the JWT sub
	// claim.
	sessionID string
}

// NewEngine creates an engine with a keychain persisted in kv.
func NewEngine(kv storage.KeyValue) (*Engine, error) {
	keychain, err := NewKeyChain(kv)
	if err != nil {
		return nil, err
	}
	sessionID, err := RandomBytes32()
	if err != nil {
		return nil, err
	}
	return &Engine{keychain: keychain, sessionID: sessionID}, nil
}

// KeyChain exposes the underlying keychain.
func (e *Engine) KeyChain() *KeyChain {
	return e.keychain
}

// GenerateKeyPair creates a fresh X25519 key pair, stores the private key
// in the keychain indexed by the public key, and returns the hex public
// key.
func (e *Engine) GenerateKeyPair() (string, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	publicHex := keyPair.PublicHex()
	if err := e.keychain.Set(publicHex, keyPair.PrivateHex()); err != nil {
		return "", err
	}
	return publicHex, nil
}

// GenerateSharedKey derives the symmetric key between a locally held key
// pair (selfPublicHex must have been produced by GenerateKeyPair) and a
// peer public key, stores it, and returns its topic. overrideTopic, when
// non-empty, pins the topic instead of deriving it from the key.
func (e *Engine) GenerateSharedKey(selfPublicHex, peerPublicHex, overrideTopic string) (string, error) {
	privateHex, err := e.keychain.Get(selfPublicHex)
	if err != nil {
		return "", err
	}
	symKey, err := DeriveSymKey(privateHex, peerPublicHex)
	if err != nil {
		return "", err
	}
	return e.SetSymKey(symKey, overrideTopic)
}

// SetSymKey stores a hex symmetric key under its topic and returns the
// topic. When overrideTopic is empty the topic is derived as the hash of
// the key.
func (e *Engine) SetSymKey(symKeyHex, overrideTopic string) (string, error) {
	topic := overrideTopic
	if topic == "" {
		var err error
		topic, err = HashKey(symKeyHex)
		if err != nil {
			return "", err
		}
	}
	if err := e.keychain.Set(topic, symKeyHex); err != nil {
		return "", err
	}
	return topic, nil
}

// HasKeys reports whether the keychain holds a key for tag.
func (e *Engine) HasKeys(tag string) bool {
	return e.keychain.Has(tag)
}

// DeleteSymKey removes the symmetric key bound to topic.
func (e *Engine) DeleteSymKey(topic string) error {
	return e.keychain.Delete(topic)
}

// DeleteKeyPair removes the private key stored under publicHex.
func (e *Engine) DeleteKeyPair(publicHex string) error {
	return e.keychain.Delete(publicHex)
}

// Encode serializes payload to JSON and wraps it in an envelope addressed
// to topic. Type 1 envelopes derive and store the shared key from the
// sender/receiver keys in opts before sealing.
func (e *Engine) Encode(topic string, payload interface{}, opts *EncodeOpts) (string, error) {
	message, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	if opts == nil {
		opts = &EncodeOpts{}
	}

	if opts.Type == EnvelopeType2 {
		return EncodeCleartextEnvelope(message)
	}

	if opts.Type == EnvelopeType1 {
		if opts.SenderPublicKey == "" || opts.ReceiverPublicKey == "" {
			return "", fmt.Errorf("%w: type 1 envelope requires sender and receiver public keys", ErrInvalidEnvelope)
		}
		// The derived key replaces the topic's own key for this exchange.
		topic, err = e.GenerateSharedKey(opts.SenderPublicKey, opts.ReceiverPublicKey, "")
		if err != nil {
			return "", err
		}
	}

	symKey, err := e.keychain.Get(topic)
	if err != nil {
		return "", err
	}
	return EncryptEnvelope(symKey, message, opts.Type, opts.SenderPublicKey)
}

// Decode parses and decrypts an inbound envelope addressed to topic and
// returns the plaintext JSON-RPC payload bytes. A type 1 envelope requires
// opts.ReceiverPublicKey so the shared key can be derived from the
// embedded sender key.
func (e *Engine) Decode(topic, encoded string, opts *DecodeOpts) ([]byte, error) {
	envelope, err := ParseEnvelope(encoded)
	if err != nil {
		return nil, err
	}

	switch envelope.Type {
	case EnvelopeType2:
		return envelope.Sealed, nil
	case EnvelopeType1:
		if opts == nil || opts.ReceiverPublicKey == "" {
			return nil, fmt.Errorf("%w: type 1 envelope requires receiver public key", ErrInvalidEnvelope)
		}
		senderHex := fmt.Sprintf("%x", envelope.SenderPublicKey)
		topic, err = e.GenerateSharedKey(opts.ReceiverPublicKey, senderHex, "")
		if err != nil {
			return nil, err
		}
	}

	symKey, err := e.keychain.Get(topic)
	if err != nil {
		return nil, err
	}

	plaintext, err := DecryptEnvelope(symKey, envelope)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Decode",
			"topic":    topic,
		}).Warn("failed to decode message")
		return nil, err
	}
	return plaintext, nil
}

// PayloadType returns the envelope type tag of an encoded message without
// decrypting it.
func (e *Engine) PayloadType(encoded string) (EnvelopeType, error) {
	envelope, err := ParseEnvelope(encoded)
	if err != nil {
		return 0, err
	}
	return envelope.Type, nil
}

// PayloadSenderPublicKey extracts the sender public key of a type 1
// envelope, or "" for other types.
func (e *Engine) PayloadSenderPublicKey(encoded string) (string, error) {
	envelope, err := ParseEnvelope(encoded)
	if err != nil {
		return "", err
	}
	if envelope.Type != EnvelopeType1 {
		return "", nil
	}
	return fmt.Sprintf("%x", envelope.SenderPublicKey), nil
}

// ClientID returns the client's did:key identity, generating and
// persisting the underlying Ed25519 seed on first use.
func (e *Engine) ClientID() (string, error) {
	seed, err := e.clientSeed()
	if err != nil {
		return "", err
	}
	_, iss, err := didKeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	return iss, nil
}

// SignJWT signs a relay auth token with the client identity key for the
// given audience (the relay URL).
func (e *Engine) SignJWT(aud string) (string, error) {
	seed, err := e.clientSeed()
	if err != nil {
		return "", err
	}
	private, iss, err := didKeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	return signRelayJWT(private, iss, e.sessionID, aud)
}

func (e *Engine) clientSeed() (string, error) {
	seed, err := e.keychain.Get(clientSeedTag)
	if err == nil {
		return seed, nil
	}

	seed, err = RandomBytes32()
	if err != nil {
		return "", err
	}
	if err := e.keychain.Set(clientSeedTag, seed); err != nil {
		return "", err
	}
	return seed, nil
}
