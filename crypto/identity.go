package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// clientSeedTag is the keychain tag holding the persisted Ed25519 seed the
// client identity is derived from.
const clientSeedTag = "client_ed25519_seed"

// jwtTTL bounds the validity of relay auth tokens.
const jwtTTL = 24 * time.Hour

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode implements minimal base58btc encoding, sufficient for
// did:key identifiers.
func base58Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// Preserve leading zero bytes.
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	// Reverse.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// didKeyFromSeed derives the deterministic relay-auth key pair and its
// did:key issuer string from a hex seed. Ed25519 public keys use the
// multicodec prefix 0xed01.
func didKeyFromSeed(seedHex string) (ed25519.PrivateKey, string, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid identity seed", ErrInvalidKey)
	}
	if len(seed) != ed25519.SeedSize {
		digest := sha256.Sum256(seed)
		seed = digest[:]
	}

	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)

	multicodec := append([]byte{0xed, 0x01}, public...)
	return private, "did:key:z" + base58Encode(multicodec), nil
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtClaims struct {
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Iat int64  `json:"iat"`
	Iss string `json:"iss"`
	Sub string `json:"sub"`
}

// signRelayJWT produces the EdDSA JWT presented to the relay at connect
// time: iss is the client's did:key, sub a per-instance random identifier,
// aud the relay URL.
func signRelayJWT(private ed25519.PrivateKey, iss, sub, aud string) (string, error) {
	encode := func(v interface{}) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(raw), nil
	}

	header, err := encode(jwtHeader{Alg: "EdDSA", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("failed to encode jwt header: %w", err)
	}

	now := time.Now().Unix()
	claims, err := encode(jwtClaims{
		Aud: aud,
		Exp: now + int64(jwtTTL/time.Second),
		Iat: now,
		Iss: iss,
		Sub: sub,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode jwt claims: %w", err)
	}

	signingInput := header + "." + claims
	signature := ed25519.Sign(private, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
