package expirer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/storage"
)

const (
	storageKey    = "wc@2:core:1.0//expirer"
	sweepInterval = time.Second
)

// ErrTargetNotFound indicates no deadline is tracked for a target.
var ErrTargetNotFound = errors.New("expirer: target not found")

// TopicTarget formats the expirer target for a topic.
func TopicTarget(topic string) string {
	return "topic:" + topic
}

// IDTarget formats the expirer target for a JSON-RPC request id.
func IDTarget(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

// ParseTarget splits a target into its kind ("topic" or "id") and value.
func ParseTarget(target string) (kind, value string, err error) {
	kind, value, ok := strings.Cut(target, ":")
	if !ok || (kind != "topic" && kind != "id") || value == "" {
		return "", "", fmt.Errorf("expirer: malformed target %q", target)
	}
	return kind, value, nil
}

// Expiration is a tracked deadline.
type Expiration struct {
	Target string `json:"target"`
	Expiry int64  `json:"expiry"`
}

// Expirer owns the deadline map and the background sweep loop.
type Expirer struct {
	store storage.KeyValue

	mu      sync.RWMutex
	targets map[string]Expiration

	onExpired func(Expiration)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New loads any persisted deadlines from store. The sweep loop does not
// run until Start is called.
func New(store storage.KeyValue) (*Expirer, error) {
	e := &Expirer{
		store:   store,
		targets: make(map[string]Expiration),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// OnExpired registers the callback fired for each lapsed deadline. It
// must be set before Start; the callback runs on the sweep goroutine.
func (e *Expirer) OnExpired(fn func(Expiration)) {
	e.onExpired = fn
}

// Start launches the sweep loop.
func (e *Expirer) Start() {
	go e.loop()
}

// Close stops the sweep loop and waits for it to exit.
func (e *Expirer) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// Set records or replaces the deadline for target. An expiry at or
// before the current time fires on the next sweep.
func (e *Expirer) Set(target string, expiry int64) error {
	if _, _, err := ParseTarget(target); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets[target] = Expiration{Target: target, Expiry: expiry}
	return e.persistLocked()
}

// Get returns the deadline tracked for target.
func (e *Expirer) Get(target string) (Expiration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.targets[target]
	if !ok {
		return Expiration{}, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	return exp, nil
}

// Has reports whether a deadline is tracked for target.
func (e *Expirer) Has(target string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.targets[target]
	return ok
}

// Delete drops the deadline for target without firing the callback.
// Deleting an untracked target is a no-op.
func (e *Expirer) Delete(target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.targets[target]; !ok {
		return nil
	}
	delete(e.targets, target)
	return e.persistLocked()
}

// Len returns the number of tracked deadlines.
func (e *Expirer) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.targets)
}

func (e *Expirer) loop() {
	defer close(e.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(time.Now().Unix())
		}
	}
}

func (e *Expirer) sweep(now int64) {
	e.mu.Lock()
	var lapsed []Expiration
	for target, exp := range e.targets {
		if exp.Expiry <= now {
			lapsed = append(lapsed, exp)
			delete(e.targets, target)
		}
	}
	if len(lapsed) > 0 {
		if err := e.persistLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sweep",
				"error":    err,
			}).Error("failed to persist expirations")
		}
	}
	e.mu.Unlock()

	for _, exp := range lapsed {
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"target":   exp.Target,
			"expiry":   exp.Expiry,
		}).Debug("expiration lapsed")
		if e.onExpired != nil {
			e.onExpired(exp)
		}
	}
}

func (e *Expirer) persistLocked() error {
	data, err := json.Marshal(e.targets)
	if err != nil {
		return fmt.Errorf("failed to marshal expirations: %w", err)
	}
	if err := e.store.Set(storageKey, data); err != nil {
		return fmt.Errorf("failed to persist expirations: %w", err)
	}
	return nil
}

func (e *Expirer) restore() error {
	data, ok, err := e.store.Get(storageKey)
	if err != nil {
		return fmt.Errorf("failed to load expirations: %w", err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, &e.targets); err != nil {
		return fmt.Errorf("failed to decode expirations: %w", err)
	}
	return nil
}
