package protocol

import "encoding/json"

// Relay identifies the relay protocol a topic is served over.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// DefaultRelay is the relay protocol used when a URI or peer omits one.
func DefaultRelay() Relay {
	return Relay{Protocol: "irn"}
}

// Metadata describes an application taking part in a pairing or session.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Participant is a protocol peer: its session public key plus metadata.
type Participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

// ProposalNamespace declares the chains, methods and events a proposer
// requires or requests for one chain family.
type ProposalNamespace struct {
	Chains  []string `json:"chains,omitempty"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// ProposalNamespaces maps chain-family keys (e.g. "eip155") to their
// proposal namespaces.
type ProposalNamespaces map[string]ProposalNamespace

// Namespace is an approved namespace: the accounts granted plus the
// methods and events permitted on them.
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

// Namespaces maps chain-family keys to approved namespaces.
type Namespaces map[string]Namespace

// Pairing is an established encrypted channel over a topic, used to
// bootstrap sessions.
type Pairing struct {
	Topic        string    `json:"topic"`
	Expiry       int64     `json:"expiry"`
	Relay        Relay     `json:"relay"`
	Active       bool      `json:"active"`
	Methods      []string  `json:"methods,omitempty"`
	PeerMetadata *Metadata `json:"peerMetadata,omitempty"`
}

// Proposal is an unconfirmed request to establish a session, pending
// approval or rejection.
type Proposal struct {
	ID           int64               `json:"id"`
	PairingTopic string              `json:"pairingTopic"`
	Params       SessionProposeParams `json:"params"`
	Expiry       int64               `json:"expiry"`
}

// Session is an active, namespace-scoped permission grant between a dApp
// and a wallet, with its own topic distinct from the pairing topic.
type Session struct {
	Topic              string             `json:"topic"`
	PairingTopic       string             `json:"pairingTopic"`
	Relay              Relay              `json:"relay"`
	Expiry             int64              `json:"expiry"`
	Acknowledged       bool               `json:"acknowledged"`
	Controller         string             `json:"controller"`
	Namespaces         Namespaces         `json:"namespaces"`
	RequiredNamespaces ProposalNamespaces `json:"requiredNamespaces,omitempty"`
	OptionalNamespaces ProposalNamespaces `json:"optionalNamespaces,omitempty"`
	Self               Participant        `json:"self"`
	Peer               Participant        `json:"peer"`
}

// IsController reports whether the local participant controls the session.
func (s *Session) IsController() bool {
	return s.Controller == s.Self.PublicKey
}

// PendingRequest is an inbound session request awaiting a response.
type PendingRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Expiry  int64           `json:"expiry"`
}

// SessionProposeParams is the wc_sessionPropose request body.
type SessionProposeParams struct {
	Relays             []Relay            `json:"relays"`
	RequiredNamespaces ProposalNamespaces `json:"requiredNamespaces"`
	OptionalNamespaces ProposalNamespaces `json:"optionalNamespaces,omitempty"`
	Proposer           Participant        `json:"proposer"`
	ExpiryTimestamp    int64              `json:"expiryTimestamp,omitempty"`
}

// SessionProposeResult is the wc_sessionPropose success response.
type SessionProposeResult struct {
	Relay              Relay  `json:"relay"`
	ResponderPublicKey string `json:"responderPublicKey"`
}

// SessionSettleParams is the wc_sessionSettle request body, sent on the
// derived session topic after approval.
type SessionSettleParams struct {
	Relay             Relay             `json:"relay"`
	Namespaces        Namespaces        `json:"namespaces"`
	Controller        Participant       `json:"controller"`
	Expiry            int64             `json:"expiry"`
	SessionProperties map[string]string `json:"sessionProperties,omitempty"`
}

// RequestPayload is the opaque chain RPC carried inside wc_sessionRequest.
type RequestPayload struct {
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params"`
	ExpiryTimestamp int64           `json:"expiryTimestamp,omitempty"`
}

// SessionRequestParams is the wc_sessionRequest request body.
type SessionRequestParams struct {
	Request RequestPayload `json:"request"`
	ChainID string         `json:"chainId"`
}

// SessionUpdateParams is the wc_sessionUpdate request body.
type SessionUpdateParams struct {
	Namespaces Namespaces `json:"namespaces"`
}

// SessionExtendParams is the wc_sessionExtend request body.
type SessionExtendParams struct {
	Expiry int64 `json:"expiry"`
}

// SessionEvent is an opaque event relayed between peers.
type SessionEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// SessionEventParams is the wc_sessionEvent request body.
type SessionEventParams struct {
	Event   SessionEvent `json:"event"`
	ChainID string       `json:"chainId"`
}

// Reason carries a protocol error or disconnect code and message.
type Reason struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// SessionDeleteParams is the wc_sessionDelete request body.
type SessionDeleteParams = Reason

// AuthPayloadParams is the CAIP-122 payload of wc_sessionAuthenticate.
type AuthPayloadParams struct {
	Type      string   `json:"type,omitempty"`
	Chains    []string `json:"chains"`
	Domain    string   `json:"domain"`
	Aud       string   `json:"aud,omitempty"`
	URI       string   `json:"uri,omitempty"`
	Version   string   `json:"version"`
	Nonce     string   `json:"nonce"`
	Iat       string   `json:"iat"`
	Statement string   `json:"statement,omitempty"`
	Exp       string   `json:"exp,omitempty"`
	Nbf       string   `json:"nbf,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// SessionAuthenticateParams is the wc_sessionAuthenticate request body.
type SessionAuthenticateParams struct {
	Requester       Participant       `json:"requester"`
	AuthPayload     AuthPayloadParams `json:"authPayload"`
	ExpiryTimestamp int64             `json:"expiryTimestamp,omitempty"`
}

// CacaoHeader identifies the CACAO signature scheme.
type CacaoHeader struct {
	T string `json:"t"`
}

// CacaoPayload mirrors AuthPayloadParams plus the issuer DID.
type CacaoPayload struct {
	Iss       string   `json:"iss"`
	Domain    string   `json:"domain"`
	Aud       string   `json:"aud"`
	Version   string   `json:"version"`
	Nonce     string   `json:"nonce"`
	Iat       string   `json:"iat"`
	Statement string   `json:"statement,omitempty"`
	Exp       string   `json:"exp,omitempty"`
	Nbf       string   `json:"nbf,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// CacaoSignature carries the wallet's signature over the formatted auth
// message.
type CacaoSignature struct {
	T string `json:"t"`
	S string `json:"s"`
	M string `json:"m,omitempty"`
}

// Cacao is a signed capability/authentication object produced in the
// session-authenticate flow.
type Cacao struct {
	H CacaoHeader    `json:"h"`
	P CacaoPayload   `json:"p"`
	S CacaoSignature `json:"s"`
}

// SessionAuthenticateResult is the wc_sessionAuthenticate success
// response.
type SessionAuthenticateResult struct {
	Cacaos    []Cacao     `json:"cacaos"`
	Responder Participant `json:"responder"`
}
