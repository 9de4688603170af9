package walletcore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/relay"
)

type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, rawURL string) (relay.Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, errors.New("relay unreachable")
	}
}

func newTestClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	if opts == nil {
		opts = NewOptions()
	}
	if opts.Dialer == nil {
		opts.Dialer = failingDialer{}
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, DefaultRelayURL, opts.RelayURL)
	assert.NotEmpty(t, opts.UserAgent)
	assert.Empty(t, opts.StoragePath)
}

func TestNewWithNilOptions(t *testing.T) {
	client, err := New(&Options{Dialer: failingDialer{}})
	require.NoError(t, err)
	defer client.Close()

	assert.NotNil(t, client.Core())
	assert.NotNil(t, client.Core().Crypto)
	assert.NotNil(t, client.Core().Relayer)
	assert.Empty(t, client.Sessions())
	assert.Empty(t, client.Pairings())
	assert.Empty(t, client.PendingProposals())
	assert.Empty(t, client.PendingRequests())
	assert.Empty(t, client.PendingAuthRequests())
}

func TestClientIDStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")

	first := newTestClient(t, &Options{StoragePath: path})
	id1, err := first.ClientID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id1, "did:key:"))
	require.NoError(t, first.Close())

	second := newTestClient(t, &Options{StoragePath: path})
	id2, err := second.ClientID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestCreatePairingProducesURI(t *testing.T) {
	client := newTestClient(t, nil)

	pairing, uri, err := client.CreatePairing(context.Background(), []string{protocol.MethodSessionPropose})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "wc:"+pairing.Topic+"@2"))
	assert.False(t, pairing.Active)
	require.Len(t, client.Pairings(), 1)
}

func TestStartTwice(t *testing.T) {
	client := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Start(ctx))
	assert.Error(t, client.Start(ctx))
	require.NoError(t, client.Close())
}

func TestCloseBeforeStart(t *testing.T) {
	client := newTestClient(t, nil)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestGetSessionMissing(t *testing.T) {
	client := newTestClient(t, nil)
	_, err := client.GetSession("nope")
	assert.Error(t, err)
}

func TestFormatAuthMessagePassthrough(t *testing.T) {
	message, err := FormatAuthMessage(protocol.AuthPayloadParams{
		Domain:  "example.com",
		Aud:     "https://example.com/login",
		Version: "1",
		Nonce:   "12345678",
		Iat:     "2024-09-01T12:00:00Z",
	}, "did:pkh:eip155:1:0xabc")
	require.NoError(t, err)
	assert.Contains(t, message, "example.com wants you to sign in with your Ethereum account:")
}
