package sign

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/crypto"
	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/pairing"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/relay"
	"github.com/opd-ai/walletcore/rpc"
	"github.com/opd-ai/walletcore/store"
)

var (
	// ErrSessionNotFound indicates no session exists for the topic.
	ErrSessionNotFound = errors.New("sign: session not found")

	// ErrProposalNotFound indicates no pending proposal exists for the id.
	ErrProposalNotFound = errors.New("sign: proposal not found")

	// ErrRequestNotFound indicates no pending request exists for the id.
	ErrRequestNotFound = errors.New("sign: pending request not found")

	// ErrAuthNotFound indicates no pending authenticate request exists
	// for the id.
	ErrAuthNotFound = errors.New("sign: pending authenticate request not found")

	// ErrNotController indicates the operation is reserved for the
	// session controller.
	ErrNotController = errors.New("sign: not the session controller")

	// ErrRequestExpired indicates the pending request's deadline passed
	// before a response was produced.
	ErrRequestExpired = errors.New("sign: pending request expired")

	// ErrNotPermitted indicates the chain, method or event is outside
	// the session's approved namespaces.
	ErrNotPermitted = errors.New("sign: not permitted by session namespaces")
)

// Transport is the subset of the relayer the sign engine uses.
type Transport interface {
	Publish(ctx context.Context, topic, message string, opts relay.PublishOpts) error
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
}

// settleExpectation holds the proposer-side context needed to accept a
// wc_sessionSettle on a freshly derived session topic.
type settleExpectation struct {
	proposalID    int64
	selfPublicKey string
	pairingTopic  string
}

// authApproval caches the keys minted for an approved authenticate
// request so a duplicate approval reuses them.
type authApproval struct {
	requesterPublicKey string
	responderPublicKey string
	sessionTopic       string
}

// Config wires the engine to its collaborators.
type Config struct {
	Crypto    *crypto.Engine
	Transport Transport
	Pairings  *pairing.Engine
	Sessions  *store.Sessions
	Proposals *store.Proposals
	Requests  *store.Requests
	Expirer   *expirer.Expirer
	Metadata  protocol.Metadata
}

// Engine drives the session protocol for both roles.
type Engine struct {
	crypto    *crypto.Engine
	transport Transport
	pairings  *pairing.Engine
	sessions  *store.Sessions
	proposals *store.Proposals
	requests  *store.Requests
	expirer   *expirer.Expirer
	metadata  protocol.Metadata

	mu                 sync.Mutex
	pendingAcks        map[int64]*pendingAck
	pendingAuth        map[int64]protocol.SessionAuthenticateParams
	approvedAuth       map[int64]authApproval
	settleExpectations map[string]settleExpectation
	authResponseKeys   map[string]string

	onSessionProposal     func(protocol.Proposal)
	onSessionSettle       func(protocol.Session)
	onSessionRequest      func(protocol.PendingRequest)
	onSessionUpdate       func(topic string, namespaces protocol.Namespaces)
	onSessionExtend       func(topic string, expiry int64)
	onSessionDelete       func(topic string, reason protocol.Reason)
	onSessionPing         func(topic string)
	onSessionEvent        func(topic string, params protocol.SessionEventParams)
	onSessionAuthenticate func(id int64, params protocol.SessionAuthenticateParams)
	onSessionExpire       func(topic string)
	onPairingExpire       func(topic string)
	onProposalExpire      func(id int64)
	onRequestExpire       func(id int64)
	onRequestResponse     func(id int64, resp *rpc.Response)
}

// NewEngine builds a sign engine. Callbacks are registered afterwards,
// before Start.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		crypto:             cfg.Crypto,
		transport:          cfg.Transport,
		pairings:           cfg.Pairings,
		sessions:           cfg.Sessions,
		proposals:          cfg.Proposals,
		requests:           cfg.Requests,
		expirer:            cfg.Expirer,
		metadata:           cfg.Metadata,
		pendingAcks:        make(map[int64]*pendingAck),
		pendingAuth:        make(map[int64]protocol.SessionAuthenticateParams),
		approvedAuth:       make(map[int64]authApproval),
		settleExpectations: make(map[string]settleExpectation),
		authResponseKeys:   make(map[string]string),
	}
}

// Callback registration. All callbacks run on the relay dispatch
// goroutine unless noted otherwise.

func (e *Engine) OnSessionProposal(fn func(protocol.Proposal)) { e.onSessionProposal = fn }
func (e *Engine) OnSessionSettle(fn func(protocol.Session))    { e.onSessionSettle = fn }
func (e *Engine) OnSessionRequest(fn func(protocol.PendingRequest)) {
	e.onSessionRequest = fn
}
func (e *Engine) OnSessionUpdate(fn func(topic string, namespaces protocol.Namespaces)) {
	e.onSessionUpdate = fn
}
func (e *Engine) OnSessionExtend(fn func(topic string, expiry int64)) { e.onSessionExtend = fn }
func (e *Engine) OnSessionDelete(fn func(topic string, reason protocol.Reason)) {
	e.onSessionDelete = fn
}
func (e *Engine) OnSessionPing(fn func(topic string)) { e.onSessionPing = fn }
func (e *Engine) OnSessionEvent(fn func(topic string, params protocol.SessionEventParams)) {
	e.onSessionEvent = fn
}
func (e *Engine) OnSessionAuthenticate(fn func(id int64, params protocol.SessionAuthenticateParams)) {
	e.onSessionAuthenticate = fn
}
func (e *Engine) OnSessionExpire(fn func(topic string)) { e.onSessionExpire = fn }
func (e *Engine) OnPairingExpire(fn func(topic string)) { e.onPairingExpire = fn }
func (e *Engine) OnProposalExpire(fn func(id int64))    { e.onProposalExpire = fn }
func (e *Engine) OnSessionRequestExpire(fn func(id int64)) {
	e.onRequestExpire = fn
}

// OnRequestResponse fires when the peer answers a request sent with
// Request, with the raw JSON-RPC response.
func (e *Engine) OnRequestResponse(fn func(id int64, resp *rpc.Response)) {
	e.onRequestResponse = fn
}

// Start hooks the engine into the expirer. Relay messages are fed in by
// the owner via HandleRelayMessage.
func (e *Engine) Start() {
	e.expirer.OnExpired(e.handleExpired)
}

// HandleRelayMessage decrypts an inbound relay message and dispatches
// its JSON-RPC payload. It runs on the relay dispatch goroutine.
func (e *Engine) HandleRelayMessage(msg relay.Message) {
	plaintext, err := e.crypto.Decode(msg.Topic, msg.Message, e.decodeOptsFor(msg.Topic))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRelayMessage",
			"topic":    msg.Topic,
			"error":    err,
		}).Warn("discarding undecodable message")
		return
	}

	payload, err := rpc.ParsePayload(plaintext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRelayMessage",
			"topic":    msg.Topic,
			"error":    err,
		}).Warn("discarding malformed payload")
		return
	}

	if payload.Response != nil {
		if !e.resolveAck(payload.Response) {
			logrus.WithFields(logrus.Fields{
				"function": "HandleRelayMessage",
				"topic":    msg.Topic,
				"id":       payload.Response.ID,
			}).Debug("response matched no outstanding request")
		}
		return
	}

	e.handleRequest(context.Background(), msg.Topic, payload.Request)
}

func (e *Engine) decodeOptsFor(topic string) *crypto.DecodeOpts {
	e.mu.Lock()
	defer e.mu.Unlock()
	if receiver, ok := e.authResponseKeys[topic]; ok {
		return &crypto.DecodeOpts{ReceiverPublicKey: receiver}
	}
	return nil
}

func (e *Engine) handleExpired(exp expirer.Expiration) {
	kind, value, err := expirer.ParseTarget(exp.Target)
	if err != nil {
		return
	}
	switch kind {
	case "topic":
		if e.sessions.Has(value) {
			e.teardownSession(context.Background(), value)
			if e.onSessionExpire != nil {
				e.onSessionExpire(value)
			}
			return
		}
		if _, err := e.pairings.Get(value); err == nil {
			if err := e.pairings.Delete(context.Background(), value); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleExpired",
					"topic":    value,
					"error":    err,
				}).Warn("failed to delete expired pairing")
			}
			if e.onPairingExpire != nil {
				e.onPairingExpire(value)
			}
		}
	case "id":
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return
		}
		if e.proposals.Has(store.IDKey(id)) {
			e.proposals.DeleteByID(id)
			if e.onProposalExpire != nil {
				e.onProposalExpire(id)
			}
			return
		}
		if e.requests.Has(store.IDKey(id)) {
			e.requests.DeleteByID(id)
			if e.onRequestExpire != nil {
				e.onRequestExpire(id)
			}
			return
		}
		e.mu.Lock()
		delete(e.pendingAuth, id)
		e.mu.Unlock()
	}
}

// newRequest builds an outbound method request without sending it, so
// callers can register the pending acknowledgement first.
func (e *Engine) newRequest(method string, params interface{}) (*rpc.Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return rpc.NewRequest(method, raw), nil
}

// sendRequest encrypts and publishes a prepared request.
func (e *Engine) sendRequest(ctx context.Context, topic string, req *rpc.Request, encOpts *crypto.EncodeOpts) error {
	opts, _ := protocol.RequestOpts(req.Method)
	encoded, err := e.crypto.Encode(topic, req, encOpts)
	if err != nil {
		return err
	}
	return e.transport.Publish(ctx, topic, encoded, relay.PublishOpts{
		TTL: opts.TTL, Tag: opts.Tag, Prompt: opts.Prompt,
	})
}

// publishRequest builds and sends a request in one step, for methods
// that do not await a response.
func (e *Engine) publishRequest(ctx context.Context, topic, method string, params interface{}, encOpts *crypto.EncodeOpts) (*rpc.Request, error) {
	req, err := e.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	if err := e.sendRequest(ctx, topic, req, encOpts); err != nil {
		return nil, err
	}
	return req, nil
}

// publishResult answers a method request with a JSON-RPC result.
func (e *Engine) publishResult(ctx context.Context, topic string, id int64, method string, result interface{}, encOpts *crypto.EncodeOpts) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp := rpc.NewResult(id, raw)
	opts, _ := protocol.ResponseOpts(method)
	encoded, err := e.crypto.Encode(topic, resp, encOpts)
	if err != nil {
		return err
	}
	return e.transport.Publish(ctx, topic, encoded, relay.PublishOpts{
		TTL: opts.TTL, Tag: opts.Tag, Prompt: opts.Prompt,
	})
}

// publishError answers a method request with a JSON-RPC error. Methods
// with a dedicated rejection tag use it when reject is set.
func (e *Engine) publishError(ctx context.Context, topic string, id int64, method string, reason protocol.Reason, reject bool, encOpts *crypto.EncodeOpts) error {
	resp := rpc.NewError(id, reason.Code, reason.Message)
	opts, _ := protocol.ResponseOpts(method)
	if reject {
		opts, _ = protocol.RejectOpts(method)
	}
	encoded, err := e.crypto.Encode(topic, resp, encOpts)
	if err != nil {
		return err
	}
	return e.transport.Publish(ctx, topic, encoded, relay.PublishOpts{
		TTL: opts.TTL, Tag: opts.Tag, Prompt: opts.Prompt,
	})
}

// teardownSession removes every trace of a session. The stored record
// goes last so an interrupted teardown re-runs rather than leaking keys
// or subscriptions.
func (e *Engine) teardownSession(ctx context.Context, topic string) {
	if err := e.transport.Unsubscribe(ctx, topic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardownSession",
			"topic":    topic,
			"error":    err,
		}).Warn("failed to unsubscribe session topic")
	}
	if err := e.crypto.DeleteSymKey(topic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardownSession",
			"topic":    topic,
			"error":    err,
		}).Warn("failed to delete session key")
	}
	e.expirer.Delete(expirer.TopicTarget(topic))
	for _, req := range e.requests.ForTopic(topic) {
		e.requests.DeleteByID(req.ID)
		e.expirer.Delete(expirer.IDTarget(req.ID))
	}
	e.sessions.Delete(topic)
}

// Sessions returns every stored session.
func (e *Engine) Sessions() []protocol.Session {
	return e.sessions.All()
}

// GetSession returns the session for topic.
func (e *Engine) GetSession(topic string) (protocol.Session, error) {
	s, err := e.sessions.Get(topic)
	if err != nil {
		return protocol.Session{}, ErrSessionNotFound
	}
	return s, nil
}

// PendingProposals returns every proposal awaiting approval.
func (e *Engine) PendingProposals() []protocol.Proposal {
	return e.proposals.All()
}

// PendingRequests returns every session request awaiting a response.
func (e *Engine) PendingRequests() []protocol.PendingRequest {
	return e.requests.All()
}

// PendingAuthRequests returns every authenticate request awaiting a
// decision.
func (e *Engine) PendingAuthRequests() map[int64]protocol.SessionAuthenticateParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int64]protocol.SessionAuthenticateParams, len(e.pendingAuth))
	for id, p := range e.pendingAuth {
		out[id] = p
	}
	return out
}
