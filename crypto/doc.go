// Package crypto implements the cryptographic engine for the walletcore
// protocol: X25519 key agreement, HKDF symmetric key derivation, the
// ChaCha20-Poly1305 envelope codec used on the relay wire, the persisted
// keychain, and the Ed25519 client identity used for relay authentication.
//
// The envelope wire format is fixed by the protocol and must match peer
// implementations byte for byte:
//
//	type 0: [0x00][12-byte nonce][ciphertext+tag]
//	type 1: [0x01][32-byte sender public key][12-byte nonce][ciphertext+tag]
//	type 2: [0x02][utf8 json]
//
// encoded as unpadded base64url. Symmetric keys are derived from the X25519
// shared secret via HKDF-SHA256 with no salt and no info, and a topic is
// the hex-encoded SHA-256 of its symmetric key.
package crypto
