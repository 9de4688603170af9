package store

import (
	"strconv"

	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/storage"
)

// Sessions holds settled and settling sessions keyed by topic.
type Sessions struct {
	*Store[protocol.Session]
}

// NewSessions loads the session store from kv.
func NewSessions(kv storage.KeyValue) (*Sessions, error) {
	s, err := New[protocol.Session](kv, "session")
	if err != nil {
		return nil, err
	}
	return &Sessions{Store: s}, nil
}

// Acknowledged returns the sessions whose settlement the peer has
// confirmed.
func (s *Sessions) Acknowledged() []protocol.Session {
	return s.Find(func(sess protocol.Session) bool { return sess.Acknowledged })
}

// Proposals holds pending session proposals keyed by proposal id.
type Proposals struct {
	*Store[protocol.Proposal]
}

// NewProposals loads the proposal store from kv.
func NewProposals(kv storage.KeyValue) (*Proposals, error) {
	s, err := New[protocol.Proposal](kv, "proposal")
	if err != nil {
		return nil, err
	}
	return &Proposals{Store: s}, nil
}

func (p *Proposals) SetByID(id int64, prop protocol.Proposal) error {
	return p.Set(IDKey(id), prop)
}

func (p *Proposals) GetByID(id int64) (protocol.Proposal, error) {
	return p.Get(IDKey(id))
}

func (p *Proposals) DeleteByID(id int64) error {
	return p.Delete(IDKey(id))
}

// Requests holds inbound session requests awaiting responses, keyed by
// request id.
type Requests struct {
	*Store[protocol.PendingRequest]
}

// NewRequests loads the pending-request store from kv.
func NewRequests(kv storage.KeyValue) (*Requests, error) {
	s, err := New[protocol.PendingRequest](kv, "request")
	if err != nil {
		return nil, err
	}
	return &Requests{Store: s}, nil
}

func (r *Requests) SetByID(id int64, req protocol.PendingRequest) error {
	return r.Set(IDKey(id), req)
}

func (r *Requests) GetByID(id int64) (protocol.PendingRequest, error) {
	return r.Get(IDKey(id))
}

func (r *Requests) DeleteByID(id int64) error {
	return r.Delete(IDKey(id))
}

// ForTopic returns the pending requests addressed to a session topic.
func (r *Requests) ForTopic(topic string) []protocol.PendingRequest {
	return r.Find(func(req protocol.PendingRequest) bool { return req.Topic == topic })
}

// Pairings holds pairings keyed by topic.
type Pairings struct {
	*Store[protocol.Pairing]
}

// NewPairings loads the pairing store from kv.
func NewPairings(kv storage.KeyValue) (*Pairings, error) {
	s, err := New[protocol.Pairing](kv, "pairing")
	if err != nil {
		return nil, err
	}
	return &Pairings{Store: s}, nil
}

// Active returns the pairings that have completed at least one
// settlement.
func (p *Pairings) Active() []protocol.Pairing {
	return p.Find(func(pair protocol.Pairing) bool { return pair.Active })
}

// IDKey formats a JSON-RPC id as a store key.
func IDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
