package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/crypto"
	"github.com/opd-ai/walletcore/rpc"
)

// Relay JSON-RPC methods.
const (
	MethodPublish      = "irn_publish"
	MethodSubscribe    = "irn_subscribe"
	MethodUnsubscribe  = "irn_unsubscribe"
	MethodSubscription = "irn_subscription"
)

const (
	ackTimeout         = 15 * time.Second
	publishDeadline    = 60 * time.Second
	retryInterval      = time.Second
	heartbeatInterval  = 30 * time.Second
	staleThreshold     = 35 * time.Second
	backoffInitial     = time.Second
	backoffMax         = 30 * time.Second
	dedupTTL           = 5 * time.Minute
	inboundBuffer      = 256
	defaultMaxAttempts = 6
)

var (
	// ErrNotConnected indicates no live relay connection.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrPublishTimeout indicates a publish was never acknowledged
	// within the hard deadline, across retries and reconnects.
	ErrPublishTimeout = errors.New("relay: publish not acknowledged")

	// ErrConnectionFailed indicates the dial attempt cap was exhausted
	// and the relayer gave up reconnecting.
	ErrConnectionFailed = errors.New("relay: connection failed")

	// ErrClosed indicates the relayer has been shut down.
	ErrClosed = errors.New("relay: closed")
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is an inbound subscription message.
type Message struct {
	Topic       string
	Message     string
	PublishedAt int64
	Tag         int64
}

// PublishOpts are per-publish relay options.
type PublishOpts struct {
	TTL    time.Duration
	Tag    int64
	Prompt bool
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int64  `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type subscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt,omitempty"`
	Tag         int64  `json:"tag,omitempty"`
}

type subscriptionParams struct {
	ID   string           `json:"id"`
	Data subscriptionData `json:"data"`
}

// Options configure a Relayer.
type Options struct {
	// URL is the relay endpoint, e.g. "wss://relay.walletconnect.org".
	URL string

	// Dialer opens sockets to the relay.
	Dialer Dialer

	// MaxDialAttempts caps consecutive failed dials before the relayer
	// gives up and surfaces ErrConnectionFailed. Zero selects the
	// default of 6, negative removes the cap.
	MaxDialAttempts int

	// ThrowOnFailedPublish makes Publish return ErrPublishTimeout when
	// the relay never acknowledges within the deadline. When false the
	// failure is logged and the message dropped.
	ThrowOnFailedPublish bool
}

// Relayer multiplexes publish/subscribe over one relay connection.
type Relayer struct {
	url             string
	dialer          Dialer
	maxDialAttempts int
	throwOnPublish  bool

	ackWait        time.Duration
	heartbeatEvery time.Duration
	staleAfter     time.Duration

	state        atomic.Int32
	lastActivity atomic.Int64
	lastErr      atomic.Value

	onMessage    func(Message)
	onConnect    func()
	onDisconnect func()

	mu      sync.Mutex
	socket  Socket
	pending map[int64]chan *rpc.Response
	subs    map[string]string

	writeMu sync.Mutex

	seen    *gocache.Cache
	inbound chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Relayer. Start must be called before use.
func New(opts Options) *Relayer {
	attempts := opts.MaxDialAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}
	if attempts < 0 {
		attempts = 0
	}
	return &Relayer{
		url:             opts.URL,
		dialer:          opts.Dialer,
		maxDialAttempts: attempts,
		throwOnPublish:  opts.ThrowOnFailedPublish,
		ackWait:         ackTimeout,
		heartbeatEvery:  heartbeatInterval,
		staleAfter:      staleThreshold,
		pending:         make(map[int64]chan *rpc.Response),
		subs:            make(map[string]string),
		seen:            gocache.New(dedupTTL, 2*dedupTTL),
		inbound:         make(chan Message, inboundBuffer),
	}
}

// OnMessage registers the handler for inbound subscription messages.
// The handler runs on a single dispatch goroutine and may itself call
// Publish. Set before Start.
func (r *Relayer) OnMessage(fn func(Message)) { r.onMessage = fn }

// OnConnect registers a callback fired after every successful connect,
// once subscriptions are restored. Set before Start.
func (r *Relayer) OnConnect(fn func()) { r.onConnect = fn }

// OnDisconnect registers a callback fired when the connection drops.
// Set before Start.
func (r *Relayer) OnDisconnect(fn func()) { r.onDisconnect = fn }

// State returns the current connection state.
func (r *Relayer) State() State {
	return State(r.state.Load())
}

// Connected reports whether a live connection exists.
func (r *Relayer) Connected() bool {
	return r.State() == Connected
}

// LastError returns the terminal connection error, if the relayer has
// given up reconnecting. Nil while the connection loop is still alive.
func (r *Relayer) LastError() error {
	if err, ok := r.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// Start launches the connection and dispatch loops. It returns once the
// loops are running; the first connect happens in the background.
func (r *Relayer) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.connectionLoop()
	go r.dispatchLoop()
	return nil
}

// Close tears down the connection and stops all loops.
func (r *Relayer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	if r.socket != nil {
		r.socket.Close()
		r.socket = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// Publish sends an encrypted message to topic and waits for the relay's
// acknowledgement, retrying across reconnects until the hard deadline.
func (r *Relayer) Publish(ctx context.Context, topic, message string, opts PublishOpts) error {
	params, err := json.Marshal(publishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(opts.TTL.Seconds()),
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal publish params: %w", err)
	}
	req := rpc.NewRequest(MethodPublish, params)

	deadline := time.Now().Add(publishDeadline)
	for {
		resp, err := r.request(ctx, req, r.ackWait)
		if err == nil {
			if resp.Error != nil {
				return fmt.Errorf("relay rejected publish: %w", resp.Error)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			if !r.throwOnPublish {
				logrus.WithFields(logrus.Fields{
					"function": "Publish",
					"topic":    topic,
					"tag":      opts.Tag,
				}).Error("publish failed, dropping message")
				return nil
			}
			return fmt.Errorf("%w: topic %s tag %d", ErrPublishTimeout, topic, opts.Tag)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"topic":    topic,
			"tag":      opts.Tag,
			"error":    err,
		}).Debug("publish attempt failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrClosed
		case <-time.After(retryInterval):
		}
	}
}

// Subscribe registers interest in topic and returns the subscription
// id. Subscribing twice to the same topic returns the existing id. If
// the relay does not acknowledge in time a local id is assigned and the
// subscription is repaired on the next reconnect.
func (r *Relayer) Subscribe(ctx context.Context, topic string) (string, error) {
	r.mu.Lock()
	if id, ok := r.subs[topic]; ok && id != "" {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.sendSubscribe(ctx, topic)
	if err != nil {
		id = uuid.NewString()
		logrus.WithFields(logrus.Fields{
			"function": "Subscribe",
			"topic":    topic,
			"error":    err,
		}).Warn("subscribe not acknowledged, assigned local id")
	}

	r.mu.Lock()
	r.subs[topic] = id
	r.mu.Unlock()
	return id, nil
}

// Unsubscribe drops local interest in topic and tells the relay, best
// effort. Unsubscribing from an unknown topic is a no-op.
func (r *Relayer) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	id, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	params, err := json.Marshal(unsubscribeParams{Topic: topic, ID: id})
	if err != nil {
		return fmt.Errorf("failed to marshal unsubscribe params: %w", err)
	}
	if _, err := r.request(ctx, rpc.NewRequest(MethodUnsubscribe, params), r.ackWait); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Unsubscribe",
			"topic":    topic,
			"error":    err,
		}).Debug("unsubscribe not acknowledged")
	}
	return nil
}

// Subscriptions returns the topics currently subscribed.
func (r *Relayer) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.subs))
	for t := range r.subs {
		topics = append(topics, t)
	}
	return topics
}

func (r *Relayer) sendSubscribe(ctx context.Context, topic string) (string, error) {
	params, err := json.Marshal(subscribeParams{Topic: topic})
	if err != nil {
		return "", fmt.Errorf("failed to marshal subscribe params: %w", err)
	}
	resp, err := r.request(ctx, rpc.NewRequest(MethodSubscribe, params), r.ackWait)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("relay rejected subscribe: %w", resp.Error)
	}
	var id string
	if err := json.Unmarshal(resp.Result, &id); err != nil {
		return "", fmt.Errorf("failed to decode subscription id: %w", err)
	}
	return id, nil
}

// request sends req and waits for the matching response. The request
// keeps its id across retries so the relay can deduplicate.
func (r *Relayer) request(ctx context.Context, req *rpc.Request, timeout time.Duration) (*rpc.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch := make(chan *rpc.Response, 1)
	r.mu.Lock()
	sock := r.socket
	r.pending[req.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	if sock == nil {
		return nil, ErrNotConnected
	}
	if err := r.write(sock, data); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("relay: request %s timed out", req.Method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Relayer) write(sock Socket, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return sock.WriteMessage(data)
}

func (r *Relayer) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Relayer) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

func (r *Relayer) connectionLoop() {
	defer r.wg.Done()
	backoff := backoffInitial
	attempts := 0
	for {
		if r.ctx.Err() != nil {
			r.setState(Disconnected)
			return
		}
		r.setState(Connecting)
		sock, err := r.dialer.Dial(r.ctx, r.url)
		if err != nil {
			r.setState(Disconnected)
			attempts++
			if r.maxDialAttempts > 0 && attempts >= r.maxDialAttempts {
				r.lastErr.Store(fmt.Errorf("%w after %d dial attempts: %v", ErrConnectionFailed, attempts, err))
				logrus.WithFields(logrus.Fields{
					"function": "connectionLoop",
					"attempts": attempts,
					"error":    err,
				}).Error("relay unreachable, giving up")
				if r.onDisconnect != nil {
					r.onDisconnect()
				}
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "connectionLoop",
				"error":    err,
				"backoff":  backoff.String(),
			}).Warn("relay dial failed")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInitial
		attempts = 0

		r.mu.Lock()
		r.socket = sock
		r.mu.Unlock()
		r.touch()
		r.setState(Connected)

		// The read loop must be consuming before any acknowledged
		// request goes out, or the resubscribe acks are never read.
		readDone := make(chan struct{})
		go func() {
			r.readLoop(sock)
			close(readDone)
		}()

		r.resubscribeAll()
		if r.onConnect != nil {
			r.onConnect()
		}

		watchdogDone := make(chan struct{})
		go r.watchdog(sock, watchdogDone)
		<-readDone
		close(watchdogDone)

		r.mu.Lock()
		if r.socket == sock {
			r.socket = nil
		}
		r.mu.Unlock()
		sock.Close()
		r.setState(Disconnected)
		if r.onDisconnect != nil {
			r.onDisconnect()
		}
	}
}

// watchdog keeps the connection verifiably alive. On an idle tick it
// sends a pulse whose acknowledgement counts as fresh activity; once
// the silence outlasts the staleness threshold it force-closes the
// socket, which unblocks the read loop and triggers a reconnect.
func (r *Relayer) watchdog(sock Socket, done chan struct{}) {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, r.lastActivity.Load()))
			if idle > r.staleAfter {
				logrus.WithFields(logrus.Fields{
					"function": "watchdog",
					"idle":     idle.String(),
				}).Warn("relay connection stale, forcing reconnect")
				sock.Close()
				return
			}
			if idle < r.heartbeatEvery/2 {
				continue
			}
			if topic, ok := r.anySubscription(); ok {
				go r.pulse(topic)
			} else {
				// Nothing to probe a topicless connection with.
				r.touch()
			}
		}
	}
}

func (r *Relayer) anySubscription() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.subs {
		return topic, true
	}
	return "", false
}

// pulse re-sends a subscribe for a topic the relay already holds. The
// relay treats it as idempotent and the acknowledgement doubles as the
// liveness signal.
func (r *Relayer) pulse(topic string) {
	if _, err := r.sendSubscribe(r.ctx, topic); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "pulse",
			"topic":    topic,
			"error":    err,
		}).Debug("heartbeat pulse not acknowledged")
	}
}

func (r *Relayer) readLoop(sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Debug("relay read failed")
			}
			return
		}
		r.touch()
		r.handle(sock, data)
	}
}

func (r *Relayer) handle(sock Socket, data []byte) {
	payload, err := rpc.ParsePayload(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"error":    err,
		}).Warn("discarding malformed relay payload")
		return
	}

	if payload.Response != nil {
		r.mu.Lock()
		ch, ok := r.pending[payload.Response.ID]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- payload.Response:
			default:
			}
		}
		return
	}

	req := payload.Request
	if req.Method != MethodSubscription {
		r.respond(sock, rpc.NewError(req.ID, -32601, "unsupported method: "+req.Method))
		return
	}

	var params subscriptionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		r.respond(sock, rpc.NewError(req.ID, -32602, "malformed subscription params"))
		return
	}

	// Ack before dispatch so a slow handler cannot make the relay
	// redeliver.
	r.respond(sock, rpc.NewResult(req.ID, json.RawMessage("true")))

	// The relay identifies a published message by the hash of its body,
	// so redeliveries on any topic share one id.
	key := crypto.HashMessage(params.Data.Message)
	if _, dup := r.seen.Get(key); dup {
		return
	}
	r.seen.SetDefault(key, struct{}{})

	select {
	case r.inbound <- Message{
		Topic:       params.Data.Topic,
		Message:     params.Data.Message,
		PublishedAt: params.Data.PublishedAt,
		Tag:         params.Data.Tag,
	}:
	case <-r.ctx.Done():
	}
}

func (r *Relayer) respond(sock Socket, resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.write(sock, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "respond",
			"error":    err,
		}).Debug("failed to ack relay request")
	}
}

// dispatchLoop delivers inbound messages to the handler one at a time,
// preserving arrival order.
func (r *Relayer) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.inbound:
			if r.onMessage != nil {
				r.onMessage(msg)
			}
		}
	}
}

func (r *Relayer) resubscribeAll() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.subs))
	for t := range r.subs {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		id, err := r.sendSubscribe(r.ctx, topic)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "resubscribeAll",
				"topic":    topic,
				"error":    err,
			}).Warn("failed to restore subscription")
			continue
		}
		r.mu.Lock()
		r.subs[topic] = id
		r.mu.Unlock()
	}
}
