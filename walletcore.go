package walletcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/crypto"
	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/pairing"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/relay"
	"github.com/opd-ai/walletcore/rpc"
	"github.com/opd-ai/walletcore/sign"
	"github.com/opd-ai/walletcore/storage"
	"github.com/opd-ai/walletcore/store"
)

// DefaultRelayURL is the production relay endpoint.
const DefaultRelayURL = "wss://relay.walletconnect.org"

// Options contains configuration for creating a Client.
type Options struct {
	// RelayURL overrides the relay endpoint. Defaults to DefaultRelayURL.
	RelayURL string

	// ProjectID authenticates against the relay. Required for the
	// public relay, optional for self-hosted ones.
	ProjectID string

	// Metadata describes this client to its peers.
	Metadata protocol.Metadata

	// StoragePath is the bbolt database file. Empty selects an
	// in-memory store, which loses all state on exit.
	StoragePath string

	// UserAgent is sent to the relay on connect.
	UserAgent string

	// Dialer overrides how relay sockets are opened. Nil selects the
	// websocket dialer.
	Dialer relay.Dialer

	// ThrowOnFailedPublish makes publish failures surface as errors
	// instead of being logged and dropped.
	ThrowOnFailedPublish bool
}

// NewOptions creates an Options struct with default values.
func NewOptions() *Options {
	return &Options{
		RelayURL:             DefaultRelayURL,
		UserAgent:            "walletcore-go/2.0",
		ThrowOnFailedPublish: true,
	}
}

// PairingCapable is the pairing surface of a client.
type PairingCapable interface {
	CreatePairing(ctx context.Context, methods []string) (protocol.Pairing, string, error)
	Pair(ctx context.Context, uri string) (protocol.Pairing, error)
	Pairings() []protocol.Pairing
}

// SessionCapable is the session lifecycle surface of a client.
type SessionCapable interface {
	Propose(ctx context.Context, pairingTopic string, required, optional protocol.ProposalNamespaces) (int64, *sign.Acknowledgement, error)
	ApproveSession(ctx context.Context, id int64, approved protocol.Namespaces) (protocol.Session, *sign.Acknowledgement, error)
	RejectSession(ctx context.Context, id int64, reason protocol.Reason) error
	UpdateSession(ctx context.Context, topic string, namespaces protocol.Namespaces) (*sign.Acknowledgement, error)
	ExtendSession(ctx context.Context, topic string) (*sign.Acknowledgement, error)
	DisconnectSession(ctx context.Context, topic string) error
	Sessions() []protocol.Session
	GetSession(topic string) (protocol.Session, error)
}

// RequestCapable is the request/response surface of a client.
type RequestCapable interface {
	Request(ctx context.Context, topic, chainID string, payload protocol.RequestPayload) (int64, *sign.Acknowledgement, error)
	RespondSessionRequest(ctx context.Context, topic string, id int64, result json.RawMessage) error
	RejectSessionRequest(ctx context.Context, topic string, id int64, reason protocol.Reason) error
	EmitSessionEvent(ctx context.Context, topic string, event protocol.SessionEvent, chainID string) (*sign.Acknowledgement, error)
	PingSession(ctx context.Context, topic string) (*sign.Acknowledgement, error)
}

var (
	_ PairingCapable = (*Client)(nil)
	_ SessionCapable = (*Client)(nil)
	_ RequestCapable = (*Client)(nil)
)

// Core owns the shared subsystems: storage, keychain, relay connection,
// expiry scheduling and the pairing registry. Engines borrow from it,
// never the other way around.
type Core struct {
	Storage storage.KeyValue
	Crypto  *crypto.Engine
	Relayer *relay.Relayer
	Expirer *expirer.Expirer
	Pairing *pairing.Engine
}

// Client is the top-level protocol handle for both wallet and dApp
// roles. It wires the relay dispatch into the sign engine and exposes
// the combined API surface.
type Client struct {
	core *Core
	sign *sign.Engine

	closeOnce sync.Once
	closeDB   func() error
	started   bool
	mu        sync.Mutex
}

// New creates a Client from options. The relay connection is not opened
// until Start.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.RelayURL == "" {
		options.RelayURL = DefaultRelayURL
	}

	var kv storage.KeyValue
	var closeDB func() error
	if options.StoragePath != "" {
		bolt, err := storage.NewBoltStore(options.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		kv = bolt
		closeDB = bolt.Close
	} else {
		kv = storage.NewMemoryStore()
	}

	fail := func(err error) (*Client, error) {
		if closeDB != nil {
			closeDB()
		}
		return nil, err
	}

	cryptoEngine, err := crypto.NewEngine(kv)
	if err != nil {
		return fail(err)
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = &relay.WebsocketDialer{
			ProjectID: options.ProjectID,
			UserAgent: options.UserAgent,
			SignAuth:  cryptoEngine.SignJWT,
		}
	}
	relayer := relay.New(relay.Options{
		URL:                  options.RelayURL,
		Dialer:               dialer,
		ThrowOnFailedPublish: options.ThrowOnFailedPublish,
	})

	exp, err := expirer.New(kv)
	if err != nil {
		return fail(err)
	}
	pairings, err := store.NewPairings(kv)
	if err != nil {
		return fail(err)
	}
	sessions, err := store.NewSessions(kv)
	if err != nil {
		return fail(err)
	}
	proposals, err := store.NewProposals(kv)
	if err != nil {
		return fail(err)
	}
	requests, err := store.NewRequests(kv)
	if err != nil {
		return fail(err)
	}

	pairingEngine := pairing.NewEngine(cryptoEngine, relayer, pairings, exp)
	signEngine := sign.NewEngine(sign.Config{
		Crypto:    cryptoEngine,
		Transport: relayer,
		Pairings:  pairingEngine,
		Sessions:  sessions,
		Proposals: proposals,
		Requests:  requests,
		Expirer:   exp,
		Metadata:  options.Metadata,
	})

	relayer.OnMessage(signEngine.HandleRelayMessage)
	relayer.OnDisconnect(signEngine.ConnectionLost)

	core := &Core{
		Storage: kv,
		Crypto:  cryptoEngine,
		Relayer: relayer,
		Expirer: exp,
		Pairing: pairingEngine,
	}
	return &Client{core: core, sign: signEngine, closeDB: closeDB}, nil
}

// Core exposes the underlying subsystems.
func (c *Client) Core() *Core {
	return c.core
}

// Start opens the relay connection and begins expiry sweeps. Callbacks
// must be registered before calling Start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}
	c.sign.Start()
	c.core.Expirer.Start()
	if err := c.core.Relayer.Start(ctx); err != nil {
		c.core.Expirer.Close()
		return err
	}
	c.started = true
	clientID, _ := c.core.Crypto.ClientID()
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"clientId": clientID,
	}).Debug("client started")
	return nil
}

// Close tears down the relay connection, stops background work and
// closes the storage backend. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			err = c.core.Relayer.Close()
			c.core.Expirer.Close()
		}
		if c.closeDB != nil {
			if dbErr := c.closeDB(); err == nil {
				err = dbErr
			}
		}
	})
	return err
}

// ClientID returns the did:key identity used to authenticate with the
// relay.
func (c *Client) ClientID() (string, error) {
	return c.core.Crypto.ClientID()
}

// Connected reports whether the relay connection is live.
func (c *Client) Connected() bool {
	return c.core.Relayer.Connected()
}

// CreatePairing mints a new pairing and returns it with its wc: URI.
func (c *Client) CreatePairing(ctx context.Context, methods []string) (protocol.Pairing, string, error) {
	return c.core.Pairing.Create(ctx, methods)
}

// Pair ingests a wc: URI produced by a peer's CreatePairing.
func (c *Client) Pair(ctx context.Context, uri string) (protocol.Pairing, error) {
	return c.core.Pairing.Pair(ctx, uri, false)
}

// Pairings returns every known pairing.
func (c *Client) Pairings() []protocol.Pairing {
	return c.core.Pairing.All()
}

// Propose sends a session proposal over an existing pairing.
func (c *Client) Propose(ctx context.Context, pairingTopic string, required, optional protocol.ProposalNamespaces) (int64, *sign.Acknowledgement, error) {
	return c.sign.Propose(ctx, pairingTopic, required, optional)
}

// ApproveSession accepts a received proposal with the approved
// namespaces and settles the session.
func (c *Client) ApproveSession(ctx context.Context, id int64, approved protocol.Namespaces) (protocol.Session, *sign.Acknowledgement, error) {
	return c.sign.ApproveSession(ctx, id, approved)
}

// RejectSession declines a received proposal.
func (c *Client) RejectSession(ctx context.Context, id int64, reason protocol.Reason) error {
	return c.sign.RejectSession(ctx, id, reason)
}

// UpdateSession replaces a session's namespaces. Controller only.
func (c *Client) UpdateSession(ctx context.Context, topic string, namespaces protocol.Namespaces) (*sign.Acknowledgement, error) {
	return c.sign.UpdateSession(ctx, topic, namespaces)
}

// ExtendSession pushes a session's expiry forward. Controller only.
func (c *Client) ExtendSession(ctx context.Context, topic string) (*sign.Acknowledgement, error) {
	return c.sign.ExtendSession(ctx, topic)
}

// DisconnectSession deletes a session and notifies the peer.
func (c *Client) DisconnectSession(ctx context.Context, topic string) error {
	return c.sign.DisconnectSession(ctx, topic)
}

// Request sends a JSON-RPC request to the session peer on the given
// chain.
func (c *Client) Request(ctx context.Context, topic, chainID string, payload protocol.RequestPayload) (int64, *sign.Acknowledgement, error) {
	return c.sign.Request(ctx, topic, chainID, payload)
}

// RespondSessionRequest answers a received session request with a
// result.
func (c *Client) RespondSessionRequest(ctx context.Context, topic string, id int64, result json.RawMessage) error {
	return c.sign.RespondSessionRequest(ctx, topic, id, result)
}

// RejectSessionRequest answers a received session request with an
// error.
func (c *Client) RejectSessionRequest(ctx context.Context, topic string, id int64, reason protocol.Reason) error {
	return c.sign.RejectSessionRequest(ctx, topic, id, reason)
}

// EmitSessionEvent notifies the peer of a chain event.
func (c *Client) EmitSessionEvent(ctx context.Context, topic string, event protocol.SessionEvent, chainID string) (*sign.Acknowledgement, error) {
	return c.sign.EmitSessionEvent(ctx, topic, event, chainID)
}

// PingSession checks that the peer still holds the session.
func (c *Client) PingSession(ctx context.Context, topic string) (*sign.Acknowledgement, error) {
	return c.sign.PingSession(ctx, topic)
}

// RequestAuthenticate starts a one-click auth flow over a pairing.
func (c *Client) RequestAuthenticate(ctx context.Context, pairingTopic string, payload protocol.AuthPayloadParams) (int64, *sign.Acknowledgement, error) {
	return c.sign.RequestAuthenticate(ctx, pairingTopic, payload)
}

// ApproveSessionAuthenticate answers an auth request with signed
// CACAOs and returns the settled session topic.
func (c *Client) ApproveSessionAuthenticate(ctx context.Context, id int64, cacaos []protocol.Cacao) (string, error) {
	return c.sign.ApproveSessionAuthenticate(ctx, id, cacaos)
}

// RejectSessionAuthenticate declines an auth request.
func (c *Client) RejectSessionAuthenticate(ctx context.Context, id int64, reason protocol.Reason) error {
	return c.sign.RejectSessionAuthenticate(ctx, id, reason)
}

// FormatAuthMessage renders the CAIP-122 message a wallet shows the
// user before signing.
func FormatAuthMessage(payload protocol.AuthPayloadParams, iss string) (string, error) {
	return sign.FormatAuthMessage(payload, iss)
}

// Sessions returns every settled session.
func (c *Client) Sessions() []protocol.Session {
	return c.sign.Sessions()
}

// GetSession looks up a session by topic.
func (c *Client) GetSession(topic string) (protocol.Session, error) {
	return c.sign.GetSession(topic)
}

// PendingProposals returns received proposals awaiting a decision.
func (c *Client) PendingProposals() []protocol.Proposal {
	return c.sign.PendingProposals()
}

// PendingRequests returns received session requests awaiting a
// decision.
func (c *Client) PendingRequests() []protocol.PendingRequest {
	return c.sign.PendingRequests()
}

// PendingAuthRequests returns received auth requests awaiting a
// decision.
func (c *Client) PendingAuthRequests() map[int64]protocol.SessionAuthenticateParams {
	return c.sign.PendingAuthRequests()
}

// OnSessionProposal sets the callback for incoming session proposals.
func (c *Client) OnSessionProposal(fn func(protocol.Proposal)) { c.sign.OnSessionProposal(fn) }

// OnSessionSettle sets the callback fired when a proposed session
// settles.
func (c *Client) OnSessionSettle(fn func(protocol.Session)) { c.sign.OnSessionSettle(fn) }

// OnSessionRequest sets the callback for incoming session requests.
func (c *Client) OnSessionRequest(fn func(protocol.PendingRequest)) { c.sign.OnSessionRequest(fn) }

// OnSessionUpdate sets the callback for peer-driven namespace updates.
func (c *Client) OnSessionUpdate(fn func(topic string, namespaces protocol.Namespaces)) {
	c.sign.OnSessionUpdate(fn)
}

// OnSessionExtend sets the callback for peer-driven expiry extensions.
func (c *Client) OnSessionExtend(fn func(topic string, expiry int64)) { c.sign.OnSessionExtend(fn) }

// OnSessionDelete sets the callback fired when the peer disconnects a
// session.
func (c *Client) OnSessionDelete(fn func(topic string, reason protocol.Reason)) {
	c.sign.OnSessionDelete(fn)
}

// OnSessionPing sets the callback for peer pings.
func (c *Client) OnSessionPing(fn func(topic string)) { c.sign.OnSessionPing(fn) }

// OnSessionEvent sets the callback for peer-emitted chain events.
func (c *Client) OnSessionEvent(fn func(topic string, params protocol.SessionEventParams)) {
	c.sign.OnSessionEvent(fn)
}

// OnSessionAuthenticate sets the callback for incoming auth requests.
func (c *Client) OnSessionAuthenticate(fn func(id int64, params protocol.SessionAuthenticateParams)) {
	c.sign.OnSessionAuthenticate(fn)
}

// OnSessionExpire sets the callback fired when a session lapses.
func (c *Client) OnSessionExpire(fn func(topic string)) { c.sign.OnSessionExpire(fn) }

// OnPairingExpire sets the callback fired when a pairing lapses.
func (c *Client) OnPairingExpire(fn func(topic string)) { c.sign.OnPairingExpire(fn) }

// OnProposalExpire sets the callback fired when a proposal lapses.
func (c *Client) OnProposalExpire(fn func(id int64)) { c.sign.OnProposalExpire(fn) }

// OnSessionRequestExpire sets the callback fired when a pending session
// request lapses unanswered.
func (c *Client) OnSessionRequestExpire(fn func(id int64)) { c.sign.OnSessionRequestExpire(fn) }

// OnRequestResponse sets the callback fired with the peer's answer to
// an outbound session request.
func (c *Client) OnRequestResponse(fn func(id int64, resp *rpc.Response)) {
	c.sign.OnRequestResponse(fn)
}
