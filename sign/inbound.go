package sign

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/rpc"
)

func (e *Engine) handleRequest(ctx context.Context, topic string, req *rpc.Request) {
	logrus.WithFields(logrus.Fields{
		"function": "handleRequest",
		"topic":    topic,
		"method":   req.Method,
		"id":       req.ID,
	}).Debug("inbound request")

	switch req.Method {
	case protocol.MethodSessionPropose:
		e.handleSessionPropose(ctx, topic, req)
	case protocol.MethodSessionSettle:
		e.handleSessionSettle(ctx, topic, req)
	case protocol.MethodSessionRequest:
		e.handleSessionRequest(ctx, topic, req)
	case protocol.MethodSessionUpdate:
		e.handleSessionUpdate(ctx, topic, req)
	case protocol.MethodSessionExtend:
		e.handleSessionExtend(ctx, topic, req)
	case protocol.MethodSessionDelete:
		e.handleSessionDelete(ctx, topic, req)
	case protocol.MethodSessionPing:
		e.handleSessionPing(ctx, topic, req)
	case protocol.MethodSessionEvent:
		e.handleSessionEvent(ctx, topic, req)
	case protocol.MethodSessionAuthenticate:
		e.handleSessionAuthenticate(ctx, topic, req)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleRequest",
			"topic":    topic,
			"method":   req.Method,
		}).Warn("unsupported method")
	}
}

func (e *Engine) handleSessionPropose(ctx context.Context, topic string, req *rpc.Request) {
	var params protocol.SessionProposeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("malformed propose params"), true, nil)
		return
	}
	if err := protocol.ValidateProposalNamespaces(params.RequiredNamespaces); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.UnsupportedNamespaceKey(err.Error()), true, nil)
		return
	}

	expiry := params.ExpiryTimestamp
	if expiry == 0 {
		expiry = time.Now().Add(protocol.ProposalTTL).Unix()
	}
	proposal := protocol.Proposal{
		ID:           req.ID,
		PairingTopic: topic,
		Params:       params,
		Expiry:       expiry,
	}
	if err := e.proposals.SetByID(req.ID, proposal); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionPropose",
			"error":    err,
		}).Error("failed to persist proposal")
		return
	}
	e.expirer.Set(expirer.IDTarget(req.ID), expiry)
	e.pairings.UpdateMetadata(topic, params.Proposer.Metadata)

	if e.onSessionProposal != nil {
		e.onSessionProposal(proposal)
	}
}

func (e *Engine) handleSessionSettle(ctx context.Context, topic string, req *rpc.Request) {
	var params protocol.SessionSettleParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("malformed settle params"), false, nil)
		return
	}

	e.mu.Lock()
	expectation, expected := e.settleExpectations[topic]
	delete(e.settleExpectations, topic)
	e.mu.Unlock()
	if !expected {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}

	var requiredNS, optionalNS protocol.ProposalNamespaces
	if proposal, err := e.proposals.GetByID(expectation.proposalID); err == nil {
		requiredNS = proposal.Params.RequiredNamespaces
		optionalNS = proposal.Params.OptionalNamespaces
	}

	session := protocol.Session{
		Topic:              topic,
		PairingTopic:       expectation.pairingTopic,
		Relay:              params.Relay,
		Expiry:             params.Expiry,
		Acknowledged:       true,
		Controller:         params.Controller.PublicKey,
		Namespaces:         params.Namespaces,
		RequiredNamespaces: requiredNS,
		OptionalNamespaces: optionalNS,
		Self:               protocol.Participant{PublicKey: expectation.selfPublicKey, Metadata: e.metadata},
		Peer:               params.Controller,
	}
	if err := e.sessions.Set(topic, session); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionSettle",
			"error":    err,
		}).Error("failed to persist session")
		return
	}
	e.expirer.Set(expirer.TopicTarget(topic), params.Expiry)
	e.proposals.DeleteByID(expectation.proposalID)
	e.expirer.Delete(expirer.IDTarget(expectation.proposalID))
	e.pairings.Activate(expectation.pairingTopic)

	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	if e.onSessionSettle != nil {
		e.onSessionSettle(session)
	}
}

func (e *Engine) handleSessionRequest(ctx context.Context, topic string, req *rpc.Request) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	var params protocol.SessionRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("malformed request params"), false, nil)
		return
	}
	if !sessionPermitsMethod(session, params.ChainID, params.Request.Method) {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.UnauthorizedMethod(params.Request.Method), false, nil)
		return
	}

	expiry := params.Request.ExpiryTimestamp
	if expiry == 0 {
		expiry = time.Now().Add(protocol.ProposalTTL).Unix()
	}
	pending := protocol.PendingRequest{
		ID:      req.ID,
		Topic:   topic,
		ChainID: params.ChainID,
		Method:  params.Request.Method,
		Params:  params.Request.Params,
		Expiry:  expiry,
	}
	if err := e.requests.SetByID(req.ID, pending); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionRequest",
			"error":    err,
		}).Error("failed to persist pending request")
		return
	}
	e.expirer.Set(expirer.IDTarget(req.ID), expiry)

	if e.onSessionRequest != nil {
		e.onSessionRequest(pending)
	}
}

func (e *Engine) handleSessionUpdate(ctx context.Context, topic string, req *rpc.Request) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	if session.Controller != session.Peer.PublicKey {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.UnauthorizedUpdateRequest(), false, nil)
		return
	}
	var params protocol.SessionUpdateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidUpdateRequest("malformed params"), false, nil)
		return
	}
	if err := protocol.ValidateApprovedNamespaces(session.RequiredNamespaces, params.Namespaces); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidUpdateRequest(err.Error()), false, nil)
		return
	}

	e.sessions.Update(topic, func(s protocol.Session) protocol.Session {
		s.Namespaces = params.Namespaces
		return s
	})
	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	if e.onSessionUpdate != nil {
		e.onSessionUpdate(topic, params.Namespaces)
	}
}

func (e *Engine) handleSessionExtend(ctx context.Context, topic string, req *rpc.Request) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	if session.Controller != session.Peer.PublicKey {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.UnauthorizedExtendRequest(), false, nil)
		return
	}
	var params protocol.SessionExtendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("malformed extend params"), false, nil)
		return
	}
	// Clamp to the maximum session lifetime from now.
	max := time.Now().Add(protocol.SessionTTL).Unix()
	expiry := params.Expiry
	if expiry > max {
		expiry = max
	}
	if expiry <= session.Expiry {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("extend must move expiry forward"), false, nil)
		return
	}

	e.sessions.Update(topic, func(s protocol.Session) protocol.Session {
		s.Expiry = expiry
		return s
	})
	e.expirer.Set(expirer.TopicTarget(topic), expiry)
	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	if e.onSessionExtend != nil {
		e.onSessionExtend(topic, expiry)
	}
}

func (e *Engine) handleSessionDelete(ctx context.Context, topic string, req *rpc.Request) {
	if !e.sessions.Has(topic) {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	var reason protocol.Reason
	if err := json.Unmarshal(req.Params, &reason); err != nil {
		reason = protocol.UserDisconnected()
	}

	// Answer while the topic key still exists, then tear down.
	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	e.teardownSession(ctx, topic)
	if e.onSessionDelete != nil {
		e.onSessionDelete(topic, reason)
	}
}

func (e *Engine) handleSessionPing(ctx context.Context, topic string, req *rpc.Request) {
	if !e.sessions.Has(topic) {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	if e.onSessionPing != nil {
		e.onSessionPing(topic)
	}
}

func (e *Engine) handleSessionEvent(ctx context.Context, topic string, req *rpc.Request) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.NoMatchingSession(topic), false, nil)
		return
	}
	var params protocol.SessionEventParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.InvalidMethod("malformed event params"), false, nil)
		return
	}
	if !sessionPermitsEvent(session, params.ChainID, params.Event.Name) {
		e.publishError(ctx, topic, req.ID, req.Method, protocol.UnauthorizedEvent(params.Event.Name), false, nil)
		return
	}

	e.publishResult(ctx, topic, req.ID, req.Method, true, nil)
	if e.onSessionEvent != nil {
		e.onSessionEvent(topic, params)
	}
}

func (e *Engine) handleSessionAuthenticate(ctx context.Context, topic string, req *rpc.Request) {
	var params protocol.SessionAuthenticateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSessionAuthenticate",
			"topic":    topic,
			"error":    err,
		}).Warn("malformed authenticate params")
		return
	}

	expiry := params.ExpiryTimestamp
	if expiry == 0 {
		expiry = time.Now().Add(protocol.AuthTTL).Unix()
	}
	e.mu.Lock()
	e.pendingAuth[req.ID] = params
	e.mu.Unlock()
	e.expirer.Set(expirer.IDTarget(req.ID), expiry)

	if e.onSessionAuthenticate != nil {
		e.onSessionAuthenticate(req.ID, params)
	}
}

// sessionPermitsMethod checks a request's chain and method against the
// approved namespaces.
func sessionPermitsMethod(session protocol.Session, chainID, method string) bool {
	return sessionPermits(session, chainID, method, func(ns protocol.Namespace) []string {
		return ns.Methods
	})
}

// sessionPermitsEvent checks an event's chain and name against the
// approved namespaces.
func sessionPermitsEvent(session protocol.Session, chainID, event string) bool {
	return sessionPermits(session, chainID, event, func(ns protocol.Namespace) []string {
		return ns.Events
	})
}

func sessionPermits(session protocol.Session, chainID, value string, grants func(protocol.Namespace) []string) bool {
	for key, ns := range session.Namespaces {
		if !namespaceCoversChain(key, ns, chainID) {
			continue
		}
		for _, granted := range grants(ns) {
			if granted == value {
				return true
			}
		}
	}
	return false
}

func namespaceCoversChain(key string, ns protocol.Namespace, chainID string) bool {
	if key == chainID {
		return true
	}
	for _, c := range ns.Chains {
		if c == chainID {
			return true
		}
	}
	for _, a := range ns.Accounts {
		if protocol.ChainFromAccount(a) == chainID {
			return true
		}
	}
	return false
}
