package sign

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/walletcore/protocol"
)

func TestFormatAuthMessage(t *testing.T) {
	payload := protocol.AuthPayloadParams{
		Chains:    []string{"eip155:1"},
		Domain:    "example.com",
		Aud:       "https://example.com/login",
		Version:   "1",
		Nonce:     "32891756",
		Iat:       "2024-09-01T12:00:00Z",
		Statement: "Sign in to Example.",
	}
	iss := "did:pkh:eip155:1:0xAb16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb"

	message, err := FormatAuthMessage(payload, iss)
	require.NoError(t, err)

	expected := "example.com wants you to sign in with your Ethereum account:\n" +
		"0xAb16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb\n" +
		"\n" +
		"Sign in to Example.\n" +
		"\n" +
		"URI: https://example.com/login\n" +
		"Version: 1\n" +
		"Chain ID: 1\n" +
		"Nonce: 32891756\n" +
		"Issued At: 2024-09-01T12:00:00Z"
	assert.Equal(t, expected, message)
}

func TestFormatAuthMessageWithoutStatement(t *testing.T) {
	payload := protocol.AuthPayloadParams{
		Domain:  "example.com",
		Aud:     "https://example.com",
		Nonce:   "1",
		Iat:     "2024-09-01T12:00:00Z",
		Version: "1",
	}
	message, err := FormatAuthMessage(payload, "eip155:137:0xabc")
	require.NoError(t, err)

	// The statement slot collapses, leaving two blank lines.
	expected := "example.com wants you to sign in with your Ethereum account:\n" +
		"0xabc\n" +
		"\n" +
		"\n" +
		"URI: https://example.com\n" +
		"Version: 1\n" +
		"Chain ID: 137\n" +
		"Nonce: 1\n" +
		"Issued At: 2024-09-01T12:00:00Z"
	assert.Equal(t, expected, message)
}

func TestFormatAuthMessageOptionalFields(t *testing.T) {
	payload := protocol.AuthPayloadParams{
		Domain:    "example.com",
		Aud:       "https://example.com",
		Nonce:     "1",
		Iat:       "2024-09-01T12:00:00Z",
		Exp:       "2024-09-02T12:00:00Z",
		Nbf:       "2024-09-01T11:00:00Z",
		RequestID: "req-1",
		Resources: []string{"https://example.com/tos"},
	}
	message, err := FormatAuthMessage(payload, "eip155:1:0xabc")
	require.NoError(t, err)
	assert.Contains(t, message, "Expiration Time: 2024-09-02T12:00:00Z")
	assert.Contains(t, message, "Not Before: 2024-09-01T11:00:00Z")
	assert.Contains(t, message, "Request ID: req-1")
	assert.Contains(t, message, "Resources:\n- https://example.com/tos")
}

func TestFormatAuthMessageRecapStatement(t *testing.T) {
	recapJSON := `{"att":{"eip155":{"request/eth_sendTransaction":[{}],"request/personal_sign":[{}]}}}`
	recap := "urn:recap:" + base64.RawURLEncoding.EncodeToString([]byte(recapJSON))

	payload := protocol.AuthPayloadParams{
		Domain:    "example.com",
		Aud:       "https://example.com",
		Nonce:     "1",
		Iat:       "2024-09-01T12:00:00Z",
		Statement: "Base statement.",
		Resources: []string{recap},
	}
	message, err := FormatAuthMessage(payload, "eip155:1:0xabc")
	require.NoError(t, err)
	assert.Contains(t, message,
		"Base statement. I further authorize the stated URI to perform the following actions on my behalf: "+
			"(1) 'request': 'eth_sendTransaction', 'personal_sign' for 'eip155'.")
	assert.Contains(t, message, "- "+recap)

	// Formatting twice must not duplicate the recap sentence.
	payload.Statement = appendRecapStatement(payload.Statement, recap)
	again, err := FormatAuthMessage(payload, "eip155:1:0xabc")
	require.NoError(t, err)
	assert.Equal(t, message, again)
}

func TestFormatAuthMessageURIFallback(t *testing.T) {
	payload := protocol.AuthPayloadParams{
		Domain:  "example.com",
		URI:     "https://example.com/siwe",
		Nonce:   "1",
		Iat:     "2024-09-01T12:00:00Z",
		Version: "1",
	}
	message, err := FormatAuthMessage(payload, "eip155:1:0xabc")
	require.NoError(t, err)
	assert.Contains(t, message, "URI: https://example.com/siwe")

	// aud wins when both are present.
	payload.Aud = "https://example.com/login"
	message, err = FormatAuthMessage(payload, "eip155:1:0xabc")
	require.NoError(t, err)
	assert.Contains(t, message, "URI: https://example.com/login")
}

func TestFormatAuthMessageErrors(t *testing.T) {
	valid := protocol.AuthPayloadParams{
		Domain: "example.com",
		Aud:    "https://example.com",
	}

	_, err := FormatAuthMessage(valid, "")
	assert.Error(t, err)

	_, err = FormatAuthMessage(valid, "justanaddress")
	assert.Error(t, err)

	_, err = FormatAuthMessage(protocol.AuthPayloadParams{Aud: "https://x"}, "eip155:1:0xabc")
	assert.Error(t, err)

	_, err = FormatAuthMessage(protocol.AuthPayloadParams{Domain: "x"}, "eip155:1:0xabc")
	assert.Error(t, err)
}

func TestSplitIssuer(t *testing.T) {
	chain, address, ok := splitIssuer("did:pkh:eip155:1:0xabc")
	require.True(t, ok)
	assert.Equal(t, "eip155:1", chain)
	assert.Equal(t, "0xabc", address)

	chain, address, ok = splitIssuer("eip155:137:0xdef")
	require.True(t, ok)
	assert.Equal(t, "eip155:137", chain)
	assert.Equal(t, "0xdef", address)

	_, _, ok = splitIssuer("eip155:1")
	assert.False(t, ok)
}

func TestAppendRecapStatementBadInput(t *testing.T) {
	// Undecodable recaps leave the statement untouched.
	assert.Equal(t, "s", appendRecapStatement("s", "urn:recap:!!!not-base64!!!"))
	assert.Equal(t, "s", appendRecapStatement("s",
		"urn:recap:"+base64.RawURLEncoding.EncodeToString([]byte(`{"att":{}}`))))
}
