package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/walletcore/rpc"
)

// pipeSocket is one end of an in-memory socket pair.
type pipeSocket struct {
	in        chan []byte
	out       chan []byte
	closeOnce *sync.Once
	closed    chan struct{}
}

// newSocketPair builds two connected in-memory sockets. Closing either
// end tears down both.
func newSocketPair() (*pipeSocket, *pipeSocket) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeSocket{in: ba, out: ab, closeOnce: once, closed: closed}
	b := &pipeSocket{in: ab, out: ba, closeOnce: once, closed: closed}
	return a, b
}

func (p *pipeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeSocket) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.EOF
	}
}

func (p *pipeSocket) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// pipeDialer hands out pre-built sockets in sequence, one per dial.
type pipeDialer struct {
	sockets chan Socket
}

func (d *pipeDialer) Dial(ctx context.Context, _ string) (Socket, error) {
	select {
	case s := <-d.sockets:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fakeRelay speaks the relay side of the protocol over a pipe socket.
type fakeRelay struct {
	sock *pipeSocket

	mu             sync.Mutex
	published      []publishParams
	publishIDs     []int64
	subscribed     []string
	rejectNext     bool
	swallowSubs    bool
	swallowPubAcks int

	acks chan *rpc.Response
}

func newFakeRelay(sock *pipeSocket) *fakeRelay {
	f := &fakeRelay{sock: sock, acks: make(chan *rpc.Response, 16)}
	go f.serve()
	return f
}

func (f *fakeRelay) serve() {
	subID := 0
	for {
		data, err := f.sock.ReadMessage()
		if err != nil {
			return
		}
		payload, err := rpc.ParsePayload(data)
		if err != nil {
			continue
		}
		if payload.Response != nil {
			f.acks <- payload.Response
			continue
		}
		req := payload.Request
		switch req.Method {
		case MethodPublish:
			var params publishParams
			json.Unmarshal(req.Params, &params)
			f.mu.Lock()
			reject := f.rejectNext
			f.rejectNext = false
			swallow := f.swallowPubAcks > 0
			if swallow {
				f.swallowPubAcks--
			}
			if !reject {
				f.published = append(f.published, params)
				f.publishIDs = append(f.publishIDs, req.ID)
			}
			f.mu.Unlock()
			if swallow {
				continue
			}
			if reject {
				f.reply(rpc.NewError(req.ID, 4000, "mailbox full"))
				continue
			}
			f.reply(rpc.NewResult(req.ID, json.RawMessage("true")))
		case MethodSubscribe:
			var params subscribeParams
			json.Unmarshal(req.Params, &params)
			subID++
			f.mu.Lock()
			f.subscribed = append(f.subscribed, params.Topic)
			swallow := f.swallowSubs
			f.mu.Unlock()
			if swallow {
				continue
			}
			id, _ := json.Marshal(fmt.Sprintf("sub-%d", subID))
			f.reply(rpc.NewResult(req.ID, id))
		case MethodUnsubscribe:
			f.reply(rpc.NewResult(req.ID, json.RawMessage("true")))
		}
	}
}

func (f *fakeRelay) reply(resp *rpc.Response) {
	data, _ := json.Marshal(resp)
	f.sock.WriteMessage(data)
}

// deliver pushes a subscription message to the client and waits for its
// ack.
func (f *fakeRelay) deliver(t *testing.T, topic, message string) {
	t.Helper()
	params, err := json.Marshal(subscriptionParams{
		ID:   "sub-1",
		Data: subscriptionData{Topic: topic, Message: message, PublishedAt: time.Now().UnixMilli()},
	})
	require.NoError(t, err)
	data, err := json.Marshal(rpc.NewRequest(MethodSubscription, params))
	require.NoError(t, err)
	require.NoError(t, f.sock.WriteMessage(data))

	select {
	case ack := <-f.acks:
		assert.Nil(t, ack.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription message never acked")
	}
}

func (f *fakeRelay) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeRelay) publishedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.publishIDs...)
}

func (f *fakeRelay) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startRelayer(t *testing.T, dialer Dialer) *Relayer {
	t.Helper()
	r := New(Options{URL: "wss://relay.test", Dialer: dialer})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestConnectSubscribePublish(t *testing.T) {
	client, server := newSocketPair()
	relay := newFakeRelay(server)
	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client

	r := startRelayer(t, dialer)
	waitFor(t, r.Connected, "never connected")

	id, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	// Idempotent: same topic, same id, no second round trip.
	again, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, []string{"topic-a"}, relay.subscribedTopics())
	assert.Equal(t, []string{"topic-a"}, r.Subscriptions())

	err = r.Publish(context.Background(), "topic-a", "ciphertext", PublishOpts{
		TTL: 5 * time.Minute, Tag: 1100, Prompt: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, relay.publishCount())

	relay.mu.Lock()
	pub := relay.published[0]
	relay.mu.Unlock()
	assert.Equal(t, "topic-a", pub.Topic)
	assert.Equal(t, "ciphertext", pub.Message)
	assert.EqualValues(t, 300, pub.TTL)
	assert.EqualValues(t, 1100, pub.Tag)
	assert.True(t, pub.Prompt)
}

func TestPublishRejectedByRelay(t *testing.T) {
	client, server := newSocketPair()
	relay := newFakeRelay(server)
	relay.mu.Lock()
	relay.rejectNext = true
	relay.mu.Unlock()

	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client
	r := startRelayer(t, dialer)
	waitFor(t, r.Connected, "never connected")

	err := r.Publish(context.Background(), "topic-a", "msg", PublishOpts{TTL: time.Minute, Tag: 1108})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay rejected publish")
}

func TestInboundDeliveryAndDedup(t *testing.T) {
	client, server := newSocketPair()
	relay := newFakeRelay(server)
	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client

	var mu sync.Mutex
	var received []Message
	r := New(Options{URL: "wss://relay.test", Dialer: dialer})
	r.OnMessage(func(m Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	waitFor(t, r.Connected, "never connected")

	relay.deliver(t, "topic-a", "payload-1")
	relay.deliver(t, "topic-a", "payload-1") // duplicate
	relay.deliver(t, "topic-a", "payload-2")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, "messages never dispatched")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "payload-1", received[0].Message)
	assert.Equal(t, "payload-2", received[1].Message)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	client1, server1 := newSocketPair()
	newFakeRelay(server1)
	client2, server2 := newSocketPair()
	relay2 := newFakeRelay(server2)

	dialer := &pipeDialer{sockets: make(chan Socket, 2)}
	dialer.sockets <- client1

	var mu sync.Mutex
	var connects, disconnects int
	r := New(Options{URL: "wss://relay.test", Dialer: dialer})
	r.OnConnect(func() { mu.Lock(); connects++; mu.Unlock() })
	r.OnDisconnect(func() { mu.Lock(); disconnects++; mu.Unlock() })
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	waitFor(t, r.Connected, "never connected")

	_, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)

	// Drop the first connection; the relayer should reconnect and
	// resubscribe on its own.
	client1.Close()
	dialer.sockets <- client2

	waitFor(t, func() bool {
		for _, topic := range relay2.subscribedTopics() {
			if topic == "topic-a" {
				return true
			}
		}
		return false
	}, "subscription never restored after reconnect")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connects)
	assert.GreaterOrEqual(t, disconnects, 1)
}

func TestPublishRedeliveredAfterLostAck(t *testing.T) {
	client, server := newSocketPair()
	relay := newFakeRelay(server)
	relay.mu.Lock()
	relay.swallowPubAcks = 1
	relay.mu.Unlock()

	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client
	r := New(Options{URL: "wss://relay.test", Dialer: dialer, ThrowOnFailedPublish: true})
	r.ackWait = 100 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	waitFor(t, r.Connected, "never connected")

	err := r.Publish(context.Background(), "topic-a", "ciphertext", PublishOpts{TTL: time.Minute, Tag: 1108})
	require.NoError(t, err)

	// One lost ack, exactly one redelivery, and the request id stays
	// the same so the relay can deduplicate.
	ids := relay.publishedIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestHeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	client, server := newSocketPair()
	relay := newFakeRelay(server)
	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client

	var mu sync.Mutex
	connects := 0
	r := New(Options{URL: "wss://relay.test", Dialer: dialer})
	r.heartbeatEvery = 40 * time.Millisecond
	r.staleAfter = 120 * time.Millisecond
	r.OnConnect(func() { mu.Lock(); connects++; mu.Unlock() })
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	waitFor(t, r.Connected, "never connected")

	_, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)

	// Pulses carry the otherwise idle connection past several staleness
	// windows without a reconnect.
	waitFor(t, func() bool { return len(relay.subscribedTopics()) >= 4 }, "no heartbeat pulses seen")
	assert.True(t, r.Connected())
	mu.Lock()
	assert.Equal(t, 1, connects)
	mu.Unlock()
}

func TestStaleConnectionForcesReconnect(t *testing.T) {
	client1, server1 := newSocketPair()
	relay1 := newFakeRelay(server1)
	client2, server2 := newSocketPair()
	relay2 := newFakeRelay(server2)

	dialer := &pipeDialer{sockets: make(chan Socket, 2)}
	dialer.sockets <- client1

	r := New(Options{URL: "wss://relay.test", Dialer: dialer})
	r.heartbeatEvery = 40 * time.Millisecond
	r.staleAfter = 120 * time.Millisecond
	r.ackWait = 100 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	waitFor(t, r.Connected, "never connected")

	_, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)

	// The relay goes quiet: heartbeat pulses stop being acknowledged
	// and the watchdog must tear the connection down.
	relay1.mu.Lock()
	relay1.swallowSubs = true
	relay1.mu.Unlock()
	dialer.sockets <- client2

	waitFor(t, func() bool {
		for _, topic := range relay2.subscribedTopics() {
			if topic == "topic-a" {
				return true
			}
		}
		return false
	}, "stale connection never replaced")
}

func TestUnsubscribe(t *testing.T) {
	client, server := newSocketPair()
	newFakeRelay(server)
	dialer := &pipeDialer{sockets: make(chan Socket, 1)}
	dialer.sockets <- client
	r := startRelayer(t, dialer)
	waitFor(t, r.Connected, "never connected")

	_, err := r.Subscribe(context.Background(), "topic-a")
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe(context.Background(), "topic-a"))
	assert.Empty(t, r.Subscriptions())

	// Unknown topic is a no-op.
	require.NoError(t, r.Unsubscribe(context.Background(), "never-subscribed"))
}

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, _ string) (Socket, error) {
	return nil, errors.New("connection refused")
}

func TestGivesUpAfterDialAttemptCap(t *testing.T) {
	var mu sync.Mutex
	disconnects := 0
	r := New(Options{URL: "wss://relay.test", Dialer: refusingDialer{}, MaxDialAttempts: 2})
	r.OnDisconnect(func() { mu.Lock(); disconnects++; mu.Unlock() })
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })

	waitFor(t, func() bool { return r.LastError() != nil }, "never gave up")
	assert.ErrorIs(t, r.LastError(), ErrConnectionFailed)
	assert.Equal(t, Disconnected, r.State())
	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
