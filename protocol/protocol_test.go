package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidChainID(t *testing.T) {
	tests := []struct {
		name  string
		chain string
		valid bool
	}{
		{"eip155 mainnet", "eip155:1", true},
		{"cosmos hub", "cosmos:cosmoshub-4", true},
		{"missing reference", "eip155", false},
		{"empty reference", "eip155:", false},
		{"too many segments", "eip155:1:0xabc", false},
		{"uppercase namespace", "EIP155:1", false},
		{"short namespace", "ab:1", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidChainID(tt.chain))
		})
	}
}

func TestIsValidAccountID(t *testing.T) {
	assert.True(t, IsValidAccountID("eip155:1:0xab16a96D359eC26a11e2C2b3d8f8B8942d5Bfcdb"))
	assert.False(t, IsValidAccountID("eip155:1"))
	assert.False(t, IsValidAccountID("eip155:1:"))
	assert.Equal(t, "eip155:1", ChainFromAccount("eip155:1:0xabc"))
}

func TestValidateProposalNamespaces(t *testing.T) {
	tests := []struct {
		name       string
		namespaces ProposalNamespaces
		wantErr    error
	}{
		{
			name: "valid",
			namespaces: ProposalNamespaces{
				"eip155": {Chains: []string{"eip155:1", "eip155:137"}, Methods: []string{"eth_sign"}, Events: []string{"accountsChanged"}},
			},
		},
		{
			name: "chain indexed key",
			namespaces: ProposalNamespaces{
				"eip155:1": {Methods: []string{"eth_sign"}, Events: []string{}},
			},
		},
		{
			name: "no chains",
			namespaces: ProposalNamespaces{
				"eip155": {Methods: []string{"eth_sign"}, Events: []string{}},
			},
			wantErr: ErrInvalidParams,
		},
		{
			name: "chain outside namespace",
			namespaces: ProposalNamespaces{
				"eip155": {Chains: []string{"cosmos:cosmoshub-4"}, Methods: []string{}, Events: []string{}},
			},
			wantErr: ErrInvalidParams,
		},
		{
			name: "chain indexed key with chains",
			namespaces: ProposalNamespaces{
				"eip155:1": {Chains: []string{"eip155:1"}, Methods: []string{}, Events: []string{}},
			},
			wantErr: ErrInvalidParams,
		},
		{
			name: "malformed chain",
			namespaces: ProposalNamespaces{
				"eip155": {Chains: []string{"eip155"}, Methods: []string{}, Events: []string{}},
			},
			wantErr: ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProposalNamespaces(tt.namespaces)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateApprovedNamespaces(t *testing.T) {
	required := ProposalNamespaces{
		"eip155": {
			Chains:  []string{"eip155:1", "eip155:137"},
			Methods: []string{"eth_sendTransaction", "personal_sign"},
			Events:  []string{"chainChanged"},
		},
	}
	approved := Namespaces{
		"eip155": {
			Accounts: []string{"eip155:1:0xab16a9", "eip155:137:0xab16a9"},
			Methods:  []string{"eth_sendTransaction", "personal_sign", "eth_signTypedData"},
			Events:   []string{"chainChanged", "accountsChanged"},
		},
	}

	require.NoError(t, ValidateApprovedNamespaces(required, approved))

	t.Run("missing namespace", func(t *testing.T) {
		err := ValidateApprovedNamespaces(required, Namespaces{})
		assert.ErrorIs(t, err, ErrNamespaceMismatch)
	})

	t.Run("missing chain account", func(t *testing.T) {
		partial := Namespaces{
			"eip155": {
				Accounts: []string{"eip155:1:0xab16a9"},
				Methods:  approved["eip155"].Methods,
				Events:   approved["eip155"].Events,
			},
		}
		err := ValidateApprovedNamespaces(required, partial)
		assert.ErrorIs(t, err, ErrNamespaceMismatch)
	})

	t.Run("missing method", func(t *testing.T) {
		partial := Namespaces{
			"eip155": {
				Accounts: approved["eip155"].Accounts,
				Methods:  []string{"personal_sign"},
				Events:   approved["eip155"].Events,
			},
		}
		err := ValidateApprovedNamespaces(required, partial)
		assert.ErrorIs(t, err, ErrNamespaceMismatch)
	})

	t.Run("missing event", func(t *testing.T) {
		partial := Namespaces{
			"eip155": {
				Accounts: approved["eip155"].Accounts,
				Methods:  approved["eip155"].Methods,
				Events:   []string{},
			},
		}
		err := ValidateApprovedNamespaces(required, partial)
		assert.ErrorIs(t, err, ErrNamespaceMismatch)
	})

	t.Run("malformed account", func(t *testing.T) {
		bad := Namespaces{
			"eip155": {
				Accounts: []string{"eip155:1"},
				Methods:  []string{},
				Events:   []string{},
			},
		}
		err := ValidateApprovedNamespaces(nil, bad)
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("chain indexed required key satisfied by family entry", func(t *testing.T) {
		req := ProposalNamespaces{
			"eip155:1": {Methods: []string{"personal_sign"}, Events: []string{}},
		}
		err := ValidateApprovedNamespaces(req, approved)
		assert.NoError(t, err)
	})
}

func TestMergeRequiredIntoOptional(t *testing.T) {
	required := ProposalNamespaces{
		"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"eth_sign"}, Events: []string{"chainChanged"}},
	}
	optional := ProposalNamespaces{
		"eip155": {Chains: []string{"eip155:137"}, Methods: []string{"eth_signTypedData"}, Events: []string{}},
		"cosmos": {Chains: []string{"cosmos:cosmoshub-4"}, Methods: []string{"cosmos_signDirect"}, Events: []string{}},
	}

	merged := MergeRequiredIntoOptional(required, optional)
	assert.ElementsMatch(t, []string{"eip155:137", "eip155:1"}, merged["eip155"].Chains)
	assert.ElementsMatch(t, []string{"eth_signTypedData", "eth_sign"}, merged["eip155"].Methods)
	assert.Contains(t, merged, "cosmos")

	// Inputs stay untouched.
	assert.Equal(t, []string{"eip155:137"}, optional["eip155"].Chains)
}

func TestMethodOpts(t *testing.T) {
	req, ok := RequestOpts(MethodSessionPropose)
	require.True(t, ok)
	assert.EqualValues(t, 1100, req.Tag)
	assert.True(t, req.Prompt)

	res, ok := ResponseOpts(MethodSessionPropose)
	require.True(t, ok)
	assert.EqualValues(t, 1101, res.Tag)

	rej, ok := RejectOpts(MethodSessionPropose)
	require.True(t, ok)
	assert.EqualValues(t, 1120, rej.Tag)

	// Methods without a dedicated rejection tag fall back to the
	// response tag.
	rej, ok = RejectOpts(MethodSessionPing)
	require.True(t, ok)
	assert.EqualValues(t, 1115, rej.Tag)

	_, ok = RequestOpts("wc_bogus")
	assert.False(t, ok)
	assert.True(t, IsKnownMethod(MethodSessionDelete))
	assert.False(t, IsKnownMethod("irn_publish"))
}

func TestSessionJSONRoundTrip(t *testing.T) {
	s := Session{
		Topic:        "abc",
		PairingTopic: "def",
		Relay:        DefaultRelay(),
		Expiry:       1234567890,
		Acknowledged: true,
		Controller:   "pubkey1",
		Namespaces: Namespaces{
			"eip155": {Accounts: []string{"eip155:1:0xabc"}, Methods: []string{"eth_sign"}, Events: []string{}},
		},
		Self: Participant{PublicKey: "pubkey1", Metadata: Metadata{Name: "wallet"}},
		Peer: Participant{PublicKey: "pubkey2", Metadata: Metadata{Name: "dapp"}},
	}
	assert.True(t, s.IsController())

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s, decoded)
}

func TestReasons(t *testing.T) {
	assert.EqualValues(t, 5000, UserRejected().Code)
	assert.EqualValues(t, 6000, UserDisconnected().Code)
	assert.EqualError(t, UserRejected(), "User rejected. (code 5000)")
}
