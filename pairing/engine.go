package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/crypto"
	"github.com/opd-ai/walletcore/expirer"
	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/store"
)

const (
	// inactiveTTL bounds how long an unused pairing URI stays valid.
	inactiveTTL = 5 * time.Minute

	// activeTTL is the lifetime granted once a session settles over
	// the pairing.
	activeTTL = 30 * 24 * time.Hour
)

var (
	// ErrURIExpired indicates the pairing URI's expiryTimestamp has
	// passed.
	ErrURIExpired = errors.New("pairing: uri expired")

	// ErrPairingNotFound indicates no pairing exists for the topic.
	ErrPairingNotFound = errors.New("pairing: not found")
)

// Transport is the subset of the relayer the pairing engine uses.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
}

// Engine owns the pairing lifecycle: create, ingest, activate, expire,
// delete.
type Engine struct {
	crypto    *crypto.Engine
	transport Transport
	pairings  *store.Pairings
	expirer   *expirer.Expirer
}

// NewEngine wires the pairing engine to its collaborators.
func NewEngine(c *crypto.Engine, t Transport, p *store.Pairings, e *expirer.Expirer) *Engine {
	return &Engine{crypto: c, transport: t, pairings: p, expirer: e}
}

// Create generates a fresh pairing and the URI to share out of band.
// The advertised methods tell the peer which proposal flows the creator
// supports.
func (e *Engine) Create(ctx context.Context, methods []string) (protocol.Pairing, string, error) {
	symKey, err := crypto.RandomBytes32()
	if err != nil {
		return protocol.Pairing{}, "", fmt.Errorf("failed to generate pairing key: %w", err)
	}
	topic, err := e.crypto.SetSymKey(symKey, "")
	if err != nil {
		return protocol.Pairing{}, "", fmt.Errorf("failed to store pairing key: %w", err)
	}
	if _, err := e.transport.Subscribe(ctx, topic); err != nil {
		return protocol.Pairing{}, "", fmt.Errorf("failed to subscribe to pairing topic: %w", err)
	}

	expiry := time.Now().Add(inactiveTTL).Unix()
	pairing := protocol.Pairing{
		Topic:   topic,
		Expiry:  expiry,
		Relay:   protocol.DefaultRelay(),
		Active:  false,
		Methods: methods,
	}
	if err := e.track(pairing); err != nil {
		return protocol.Pairing{}, "", err
	}

	uri := URI{
		Topic:           topic,
		Version:         2,
		SymKey:          symKey,
		Relay:           pairing.Relay,
		ExpiryTimestamp: expiry,
		Methods:         methods,
	}
	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"topic":    topic,
	}).Debug("pairing created")
	return pairing, uri.String(), nil
}

// Pair ingests a wc: URI produced by a peer. Pairing the same URI twice
// returns the already-known pairing. activate marks the pairing active
// immediately instead of waiting for a settled session.
func (e *Engine) Pair(ctx context.Context, raw string, activate bool) (protocol.Pairing, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return protocol.Pairing{}, err
	}
	if uri.ExpiryTimestamp > 0 && uri.ExpiryTimestamp <= time.Now().Unix() {
		return protocol.Pairing{}, fmt.Errorf("%w: topic %s", ErrURIExpired, uri.Topic)
	}

	if existing, err := e.pairings.Get(uri.Topic); err == nil {
		return existing, nil
	}

	topic, err := e.crypto.SetSymKey(uri.SymKey, uri.Topic)
	if err != nil {
		return protocol.Pairing{}, fmt.Errorf("failed to store pairing key: %w", err)
	}
	if _, err := e.transport.Subscribe(ctx, topic); err != nil {
		return protocol.Pairing{}, fmt.Errorf("failed to subscribe to pairing topic: %w", err)
	}

	expiry := uri.ExpiryTimestamp
	if expiry == 0 {
		expiry = time.Now().Add(inactiveTTL).Unix()
	}
	pairing := protocol.Pairing{
		Topic:   topic,
		Expiry:  expiry,
		Relay:   uri.Relay,
		Active:  activate,
		Methods: uri.Methods,
	}
	if err := e.track(pairing); err != nil {
		return protocol.Pairing{}, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "Pair",
		"topic":    topic,
	}).Debug("pairing ingested")
	return pairing, nil
}

// Activate marks the pairing as having settled a session and extends
// its lifetime.
func (e *Engine) Activate(topic string) error {
	expiry := time.Now().Add(activeTTL).Unix()
	err := e.pairings.Update(topic, func(p protocol.Pairing) protocol.Pairing {
		p.Active = true
		p.Expiry = expiry
		return p
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	return e.expirer.Set(expirer.TopicTarget(topic), expiry)
}

// UpdateExpiry moves the pairing's deadline.
func (e *Engine) UpdateExpiry(topic string, expiry int64) error {
	err := e.pairings.Update(topic, func(p protocol.Pairing) protocol.Pairing {
		p.Expiry = expiry
		return p
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	return e.expirer.Set(expirer.TopicTarget(topic), expiry)
}

// UpdateMetadata records the peer's metadata once it is learned from a
// proposal.
func (e *Engine) UpdateMetadata(topic string, md protocol.Metadata) error {
	err := e.pairings.Update(topic, func(p protocol.Pairing) protocol.Pairing {
		p.PeerMetadata = &md
		return p
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	return nil
}

// Get returns the pairing for topic.
func (e *Engine) Get(topic string) (protocol.Pairing, error) {
	p, err := e.pairings.Get(topic)
	if err != nil {
		return protocol.Pairing{}, fmt.Errorf("%w: %s", ErrPairingNotFound, topic)
	}
	return p, nil
}

// All returns every known pairing.
func (e *Engine) All() []protocol.Pairing {
	return e.pairings.All()
}

// Delete tears a pairing down: relay subscription, symmetric key and
// deadline first, the stored record last so a crash re-runs the
// teardown instead of leaking it.
func (e *Engine) Delete(ctx context.Context, topic string) error {
	if !e.pairings.Has(topic) {
		return nil
	}
	if err := e.transport.Unsubscribe(ctx, topic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"topic":    topic,
			"error":    err,
		}).Warn("failed to unsubscribe pairing topic")
	}
	if err := e.crypto.DeleteSymKey(topic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Delete",
			"topic":    topic,
			"error":    err,
		}).Warn("failed to delete pairing key")
	}
	if err := e.expirer.Delete(expirer.TopicTarget(topic)); err != nil {
		return fmt.Errorf("failed to drop pairing deadline: %w", err)
	}
	return e.pairings.Delete(topic)
}

func (e *Engine) track(p protocol.Pairing) error {
	if err := e.pairings.Set(p.Topic, p); err != nil {
		return fmt.Errorf("failed to persist pairing: %w", err)
	}
	if err := e.expirer.Set(expirer.TopicTarget(p.Topic), p.Expiry); err != nil {
		return fmt.Errorf("failed to track pairing expiry: %w", err)
	}
	return nil
}
