package sign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/rpc"
)

// Propose sends a session proposal over an existing pairing. The dApp
// role calls this. The returned acknowledgement resolves when the peer
// approves or rejects the proposal; settlement then arrives as a
// wc_sessionSettle and fires the settle callback.
func (e *Engine) Propose(ctx context.Context, pairingTopic string, required, optional protocol.ProposalNamespaces) (int64, *Acknowledgement, error) {
	if _, err := e.pairings.Get(pairingTopic); err != nil {
		return 0, nil, err
	}
	if err := protocol.ValidateProposalNamespaces(required); err != nil {
		return 0, nil, err
	}
	if err := protocol.ValidateProposalNamespaces(optional); err != nil {
		return 0, nil, err
	}

	selfPub, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return 0, nil, err
	}
	expiry := time.Now().Add(protocol.ProposalTTL).Unix()
	params := protocol.SessionProposeParams{
		Relays:             []protocol.Relay{protocol.DefaultRelay()},
		RequiredNamespaces: required,
		OptionalNamespaces: protocol.MergeRequiredIntoOptional(required, optional),
		Proposer:           protocol.Participant{PublicKey: selfPub, Metadata: e.metadata},
		ExpiryTimestamp:    expiry,
	}
	req, err := e.newRequest(protocol.MethodSessionPropose, params)
	if err != nil {
		return 0, nil, err
	}
	proposal := protocol.Proposal{
		ID:           req.ID,
		PairingTopic: pairingTopic,
		Params:       params,
		Expiry:       expiry,
	}
	if err := e.proposals.SetByID(req.ID, proposal); err != nil {
		return 0, nil, err
	}
	e.expirer.Set(expirer.IDTarget(req.ID), expiry)

	opts, _ := protocol.RequestOpts(protocol.MethodSessionPropose)
	ack := e.trackAck(req.ID, opts.TTL, func(resp *rpc.Response) {
		e.handleProposeResponse(ctx, proposal, selfPub, resp)
	})
	if err := e.sendRequest(ctx, pairingTopic, req, nil); err != nil {
		e.untrackAck(req.ID)
		e.proposals.DeleteByID(req.ID)
		e.expirer.Delete(expirer.IDTarget(req.ID))
		return 0, nil, err
	}
	return req.ID, ack, nil
}

// handleProposeResponse runs on the dispatch goroutine when the peer
// answers a proposal. Approval derives the session topic and arms the
// settle expectation.
func (e *Engine) handleProposeResponse(ctx context.Context, proposal protocol.Proposal, selfPub string, resp *rpc.Response) {
	if resp.Error != nil {
		e.proposals.DeleteByID(proposal.ID)
		e.expirer.Delete(expirer.IDTarget(proposal.ID))
		return
	}
	var result protocol.SessionProposeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleProposeResponse",
			"error":    err,
		}).Warn("malformed propose result")
		return
	}
	sessionTopic, err := e.crypto.GenerateSharedKey(selfPub, result.ResponderPublicKey, "")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleProposeResponse",
			"error":    err,
		}).Error("failed to derive session key")
		return
	}
	if _, err := e.transport.Subscribe(ctx, sessionTopic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleProposeResponse",
			"topic":    sessionTopic,
			"error":    err,
		}).Error("failed to subscribe session topic")
		return
	}
	e.mu.Lock()
	e.settleExpectations[sessionTopic] = settleExpectation{
		proposalID:    proposal.ID,
		selfPublicKey: selfPub,
		pairingTopic:  proposal.PairingTopic,
	}
	e.mu.Unlock()
}

// ApproveSession accepts a proposal with the given namespaces. The
// wallet role calls this. The returned session is settling; its
// Acknowledged flag flips once the peer confirms, which the returned
// acknowledgement also reports.
func (e *Engine) ApproveSession(ctx context.Context, id int64, approved protocol.Namespaces) (protocol.Session, *Acknowledgement, error) {
	proposal, err := e.proposals.GetByID(id)
	if err != nil {
		return protocol.Session{}, nil, fmt.Errorf("%w: id %d", ErrProposalNotFound, id)
	}
	if err := protocol.ValidateApprovedNamespaces(proposal.Params.RequiredNamespaces, approved); err != nil {
		return protocol.Session{}, nil, err
	}

	selfPub, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return protocol.Session{}, nil, err
	}
	peerPub := proposal.Params.Proposer.PublicKey
	sessionTopic, err := e.crypto.GenerateSharedKey(selfPub, peerPub, "")
	if err != nil {
		return protocol.Session{}, nil, err
	}
	if _, err := e.transport.Subscribe(ctx, sessionTopic); err != nil {
		return protocol.Session{}, nil, err
	}

	if err := e.publishResult(ctx, proposal.PairingTopic, id, protocol.MethodSessionPropose, protocol.SessionProposeResult{
		Relay:              protocol.DefaultRelay(),
		ResponderPublicKey: selfPub,
	}, nil); err != nil {
		return protocol.Session{}, nil, err
	}
	if err := e.pairings.Activate(proposal.PairingTopic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ApproveSession",
			"topic":    proposal.PairingTopic,
			"error":    err,
		}).Warn("failed to activate pairing")
	}

	expiry := time.Now().Add(protocol.SessionTTL).Unix()
	session := protocol.Session{
		Topic:              sessionTopic,
		PairingTopic:       proposal.PairingTopic,
		Relay:              protocol.DefaultRelay(),
		Expiry:             expiry,
		Acknowledged:       false,
		Controller:         selfPub,
		Namespaces:         approved,
		RequiredNamespaces: proposal.Params.RequiredNamespaces,
		OptionalNamespaces: proposal.Params.OptionalNamespaces,
		Self:               protocol.Participant{PublicKey: selfPub, Metadata: e.metadata},
		Peer:               proposal.Params.Proposer,
	}
	if err := e.sessions.Set(sessionTopic, session); err != nil {
		return protocol.Session{}, nil, err
	}
	e.expirer.Set(expirer.TopicTarget(sessionTopic), expiry)
	e.proposals.DeleteByID(id)
	e.expirer.Delete(expirer.IDTarget(id))

	settle := protocol.SessionSettleParams{
		Relay:      protocol.DefaultRelay(),
		Namespaces: approved,
		Controller: protocol.Participant{PublicKey: selfPub, Metadata: e.metadata},
		Expiry:     expiry,
	}
	settleReq, err := e.newRequest(protocol.MethodSessionSettle, settle)
	if err != nil {
		return protocol.Session{}, nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionSettle)
	ack := e.trackAck(settleReq.ID, opts.TTL, func(resp *rpc.Response) {
		if resp.Error != nil {
			e.teardownSession(ctx, sessionTopic)
			return
		}
		e.sessions.Update(sessionTopic, func(s protocol.Session) protocol.Session {
			s.Acknowledged = true
			return s
		})
	})
	if err := e.sendRequest(ctx, sessionTopic, settleReq, nil); err != nil {
		e.untrackAck(settleReq.ID)
		return protocol.Session{}, nil, err
	}
	return session, ack, nil
}

// RejectSession declines a proposal.
func (e *Engine) RejectSession(ctx context.Context, id int64, reason protocol.Reason) error {
	proposal, err := e.proposals.GetByID(id)
	if err != nil {
		return fmt.Errorf("%w: id %d", ErrProposalNotFound, id)
	}
	if err := e.publishError(ctx, proposal.PairingTopic, id, protocol.MethodSessionPropose, reason, true, nil); err != nil {
		return err
	}
	e.proposals.DeleteByID(id)
	e.expirer.Delete(expirer.IDTarget(id))
	return nil
}

// UpdateSession replaces the session's namespaces. Only the controller
// may update, and the replacement must still satisfy the required
// namespaces.
func (e *Engine) UpdateSession(ctx context.Context, topic string, namespaces protocol.Namespaces) (*Acknowledgement, error) {
	session, err := e.GetSession(topic)
	if err != nil {
		return nil, err
	}
	if !session.IsController() {
		return nil, ErrNotController
	}
	if err := protocol.ValidateApprovedNamespaces(session.RequiredNamespaces, namespaces); err != nil {
		return nil, err
	}

	req, err := e.newRequest(protocol.MethodSessionUpdate, protocol.SessionUpdateParams{Namespaces: namespaces})
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Update(topic, func(s protocol.Session) protocol.Session {
		s.Namespaces = namespaces
		return s
	}); err != nil {
		return nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionUpdate)
	ack := e.trackAck(req.ID, opts.TTL, nil)
	if err := e.sendRequest(ctx, topic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return nil, err
	}
	return ack, nil
}

// ExtendSession pushes the session expiry out to the maximum lifetime
// from now. Only the controller may extend.
func (e *Engine) ExtendSession(ctx context.Context, topic string) (*Acknowledgement, error) {
	session, err := e.GetSession(topic)
	if err != nil {
		return nil, err
	}
	if !session.IsController() {
		return nil, ErrNotController
	}

	expiry := time.Now().Add(protocol.SessionTTL).Unix()
	req, err := e.newRequest(protocol.MethodSessionExtend, protocol.SessionExtendParams{Expiry: expiry})
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Update(topic, func(s protocol.Session) protocol.Session {
		s.Expiry = expiry
		return s
	}); err != nil {
		return nil, err
	}
	e.expirer.Set(expirer.TopicTarget(topic), expiry)
	opts, _ := protocol.RequestOpts(protocol.MethodSessionExtend)
	ack := e.trackAck(req.ID, opts.TTL, nil)
	if err := e.sendRequest(ctx, topic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return nil, err
	}
	return ack, nil
}

// DisconnectSession tells the peer the session is over and tears down
// local state.
func (e *Engine) DisconnectSession(ctx context.Context, topic string) error {
	if !e.sessions.Has(topic) {
		return ErrSessionNotFound
	}
	if _, err := e.publishRequest(ctx, topic, protocol.MethodSessionDelete, protocol.UserDisconnected(), nil); err != nil {
		return err
	}
	e.teardownSession(ctx, topic)
	return nil
}

// Request sends a chain RPC to the peer over a settled session. The
// dApp role calls this. The method and chain must be inside the
// approved namespaces; the peer's answer arrives through the
// OnRequestResponse callback, and the acknowledgement reports its
// status.
func (e *Engine) Request(ctx context.Context, topic, chainID string, payload protocol.RequestPayload) (int64, *Acknowledgement, error) {
	session, err := e.GetSession(topic)
	if err != nil {
		return 0, nil, err
	}
	if !sessionPermitsMethod(session, chainID, payload.Method) {
		return 0, nil, fmt.Errorf("%w: method %s on %s", ErrNotPermitted, payload.Method, chainID)
	}
	if payload.ExpiryTimestamp == 0 {
		payload.ExpiryTimestamp = time.Now().Add(protocol.ProposalTTL).Unix()
	}

	req, err := e.newRequest(protocol.MethodSessionRequest, protocol.SessionRequestParams{
		Request: payload,
		ChainID: chainID,
	})
	if err != nil {
		return 0, nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionRequest)
	ack := e.trackAck(req.ID, opts.TTL, func(resp *rpc.Response) {
		if e.onRequestResponse != nil {
			e.onRequestResponse(req.ID, resp)
		}
	})
	if err := e.sendRequest(ctx, topic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return 0, nil, err
	}
	return req.ID, ack, nil
}

// RespondSessionRequest answers a pending session request with a
// result.
func (e *Engine) RespondSessionRequest(ctx context.Context, topic string, id int64, result json.RawMessage) error {
	return e.respondRequest(ctx, topic, id, func() error {
		return e.publishResult(ctx, topic, id, protocol.MethodSessionRequest, result, nil)
	})
}

// RejectSessionRequest answers a pending session request with an error.
func (e *Engine) RejectSessionRequest(ctx context.Context, topic string, id int64, reason protocol.Reason) error {
	return e.respondRequest(ctx, topic, id, func() error {
		return e.publishError(ctx, topic, id, protocol.MethodSessionRequest, reason, false, nil)
	})
}

func (e *Engine) respondRequest(ctx context.Context, topic string, id int64, send func() error) error {
	pending, err := e.requests.GetByID(id)
	if err != nil {
		return fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
	}
	if pending.Topic != topic {
		return fmt.Errorf("%w: id %d belongs to topic %s", ErrRequestNotFound, id, pending.Topic)
	}
	if pending.Expiry <= time.Now().Unix() {
		e.requests.DeleteByID(id)
		e.expirer.Delete(expirer.IDTarget(id))
		return fmt.Errorf("%w: id %d", ErrRequestExpired, id)
	}
	if err := send(); err != nil {
		return err
	}
	e.requests.DeleteByID(id)
	e.expirer.Delete(expirer.IDTarget(id))
	return nil
}

// EmitSessionEvent relays an event to the peer. The event and chain
// must be inside the approved namespaces.
func (e *Engine) EmitSessionEvent(ctx context.Context, topic string, event protocol.SessionEvent, chainID string) (*Acknowledgement, error) {
	session, err := e.GetSession(topic)
	if err != nil {
		return nil, err
	}
	if !sessionPermitsEvent(session, chainID, event.Name) {
		return nil, fmt.Errorf("%w: event %s on %s", ErrNotPermitted, event.Name, chainID)
	}

	req, err := e.newRequest(protocol.MethodSessionEvent, protocol.SessionEventParams{
		Event:   event,
		ChainID: chainID,
	})
	if err != nil {
		return nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionEvent)
	ack := e.trackAck(req.ID, opts.TTL, nil)
	if err := e.sendRequest(ctx, topic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return nil, err
	}
	return ack, nil
}

// PingSession checks the peer is still reachable on the session topic.
func (e *Engine) PingSession(ctx context.Context, topic string) (*Acknowledgement, error) {
	if !e.sessions.Has(topic) {
		return nil, ErrSessionNotFound
	}
	req, err := e.newRequest(protocol.MethodSessionPing, struct{}{})
	if err != nil {
		return nil, err
	}
	opts, _ := protocol.RequestOpts(protocol.MethodSessionPing)
	ack := e.trackAck(req.ID, opts.TTL, nil)
	if err := e.sendRequest(ctx, topic, req, nil); err != nil {
		e.untrackAck(req.ID)
		return nil, err
	}
	return ack, nil
}
