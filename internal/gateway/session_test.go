// ABOUTME: Tests for the shard session state machine over an in-memory transport.
// ABOUTME: Covers identify, heartbeats, resume, budget exhaustion, and checkpoints.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("connection refused")

type sentFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type fakeConn struct {
	in     chan []byte
	out    chan sentFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan sentFrame, 512),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	var f sentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	select {
	case c.out <- f:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push sends a frame from the fake server to the session.
func (c *fakeConn) push(t *testing.T, op int, typ string, seq int64, d any) {
	t.Helper()
	frame := map[string]any{"op": op, "d": d}
	if seq > 0 {
		frame["s"] = seq
	}
	if typ != "" {
		frame["t"] = typ
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()
	c.push(t, OpHello, "", 0, Hello{HeartbeatInterval: interval.Milliseconds()})
}

// expect returns the next frame sent by the session that satisfies match.
func (c *fakeConn) expect(t *testing.T, match func(sentFrame) bool) sentFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.out:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("expected frame was not sent")
			return sentFrame{}
		}
	}
}

func (c *fakeConn) expectOp(t *testing.T, op int) sentFrame {
	t.Helper()
	return c.expect(t, func(f sentFrame) bool { return f.Op == op })
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	fail  int
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errDial
	}
	d.mu.Unlock()

	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("session did not dial")
		return nil
	}
}

type memCheckpoints struct {
	mu  sync.Mutex
	cps map[int]Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: make(map[int]Checkpoint)}
}

func (m *memCheckpoints) LoadCheckpoint(ctx context.Context, botID string, shard int) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[shard]
	return cp, ok, nil
}

func (m *memCheckpoints) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.Shard] = cp
	return nil
}

func (m *memCheckpoints) ClearCheckpoint(ctx context.Context, botID string, shard int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, shard)
	return nil
}

func (m *memCheckpoints) get(shard int) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[shard]
	return cp, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type running struct {
	session *Session
	dialer  *fakeDialer
	done    chan error
	cancel  context.CancelFunc
	events  chan Dispatch
}

func startSession(t *testing.T, dialer *fakeDialer, mutate func(*SessionConfig)) *running {
	t.Helper()
	events := make(chan Dispatch, 64)
	cfg := SessionConfig{
		BotID:         "bot1",
		Token:         "tok",
		Intents:       513,
		Resolver:      StaticResolver{URL: "wss://gateway.test"},
		Dialer:        dialer,
		Handler:       func(ctx context.Context, d Dispatch) { events <- d },
		RetryDelay:    10 * time.Millisecond,
		HeartbeatTick: 5 * time.Millisecond,
		Logger:        testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s := NewSession(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	r := &running{session: s, dialer: dialer, done: done, cancel: cancel, events: events}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return r
}

// ready drives a fresh connection through hello, identify, and READY.
func ready(t *testing.T, r *running, sessionID string, seq int64) *fakeConn {
	t.Helper()
	c := r.dialer.next(t)
	c.hello(t, time.Hour)
	c.expectOp(t, OpIdentify)
	c.push(t, OpDispatch, EventReady, seq, Ready{
		SessionID:        sessionID,
		ResumeGatewayURL: "wss://resume.test",
		User:             ReadyUser{ID: "self"},
	})
	require.Eventually(t, func() bool { return r.session.State() == Active }, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestSession_IdentifyAndDispatch(t *testing.T) {
	dialer := newFakeDialer()
	readyUser := make(chan string, 1)
	r := startSession(t, dialer, func(cfg *SessionConfig) {
		cfg.OnReady = func(shard int, rd Ready) { readyUser <- rd.User.ID }
	})

	c := dialer.next(t)
	assert.Contains(t, dialer.lastURL(), "wss://gateway.test")
	assert.Contains(t, dialer.lastURL(), "v=10")
	assert.Contains(t, dialer.lastURL(), "encoding=json")

	c.hello(t, time.Hour)
	f := c.expectOp(t, OpIdentify)

	var id Identify
	require.NoError(t, json.Unmarshal(f.D, &id))
	assert.Equal(t, "tok", id.Token)
	assert.Equal(t, 513, id.Intents)
	assert.Equal(t, [2]int{0, 1}, id.Shard)
	assert.Equal(t, Identifying, r.session.State())

	c.push(t, OpDispatch, EventReady, 1, Ready{SessionID: "S1", ResumeGatewayURL: "wss://resume.test", User: ReadyUser{ID: "self"}})
	require.Eventually(t, func() bool { return r.session.State() == Active }, 2*time.Second, 5*time.Millisecond)
	select {
	case id := <-readyUser:
		assert.Equal(t, "self", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady not called")
	}

	c.push(t, OpDispatch, "MESSAGE_CREATE", 2, map[string]string{"id": "m1"})

	select {
	case d := <-r.events:
		assert.Equal(t, "MESSAGE_CREATE", d.Type)
		assert.Equal(t, int64(2), d.Seq)
		assert.JSONEq(t, `{"id":"m1"}`, string(d.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch not delivered")
	}

	st := r.session.Status()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, "S1", st.SessionID)
	assert.Equal(t, int64(2), st.Seq)
	assert.Equal(t, DefaultReconnectBudget, st.Budget)
}

func TestSession_HeartbeatCarriesLastSequence(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := dialer.next(t)
	c.hello(t, 20*time.Millisecond)
	c.expectOp(t, OpIdentify)
	c.push(t, OpDispatch, EventReady, 1, Ready{SessionID: "S1"})
	c.push(t, OpDispatch, "TYPING_START", 7, map[string]string{})

	c.expect(t, func(f sentFrame) bool {
		return f.Op == OpHeartbeat && string(f.D) == "7"
	})

	c.push(t, OpHeartbeatAck, "", 0, nil)
	require.Eventually(t, func() bool { return !r.session.Status().LastAck.IsZero() }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ServerHeartbeatRequestAnsweredImmediately(t *testing.T) {
	dialer := newFakeDialer()
	startSession(t, dialer, nil)

	c := dialer.next(t)
	c.hello(t, time.Hour)
	c.expectOp(t, OpIdentify)

	c.push(t, OpHeartbeat, "", 0, nil)
	f := c.expectOp(t, OpHeartbeat)
	assert.Equal(t, "null", string(f.D), "no sequence seen yet")
}

func TestSession_ResumeRoundTrip(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := ready(t, r, "S1", 1)
	c.push(t, OpDispatch, "MESSAGE_CREATE", 42, map[string]string{"id": "m1"})
	require.Eventually(t, func() bool { return r.session.Status().Seq == 42 }, 2*time.Second, 5*time.Millisecond)

	dialer.setFail(1)
	require.NoError(t, c.Close())

	c2 := dialer.next(t)
	assert.Equal(t, 3, dialer.dials(), "one failed attempt before the successful dial")
	assert.True(t, strings.HasPrefix(dialer.lastURL(), "wss://resume.test"))
	assert.Equal(t, 2, r.session.Status().Budget)

	c2.hello(t, time.Hour)
	f := c2.expectOp(t, OpResume)

	var res Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, Resume{Token: "tok", SessionID: "S1", Seq: 42}, res)

	c2.push(t, OpDispatch, EventResumed, 43, map[string]string{})
	require.Eventually(t, func() bool { return r.session.State() == Active }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, DefaultReconnectBudget, r.session.Status().Budget)
}

func TestSession_BudgetExhaustion(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := ready(t, r, "S1", 1)
	dialer.setFail(100)
	require.NoError(t, c.Close())

	select {
	case err := <-r.done:
		assert.ErrorIs(t, err, ErrShardDead)
	case <-time.After(2 * time.Second):
		t.Fatal("shard did not die")
	}

	assert.Equal(t, Dead, r.session.State())
	assert.Equal(t, 0, r.session.Status().Budget)
	assert.Equal(t, 4, dialer.dials(), "initial dial plus three failed attempts")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, dialer.dials(), "a dead shard stops dialing")
}

func TestSession_InitialFailuresDoNotSpendBudget(t *testing.T) {
	dialer := newFakeDialer()
	dialer.setFail(5)
	r := startSession(t, dialer, nil)

	ready(t, r, "S1", 1)

	assert.Equal(t, 6, dialer.dials())
	assert.Equal(t, DefaultReconnectBudget, r.session.Status().Budget)
}

func TestSession_InvalidSessionForcesIdentify(t *testing.T) {
	dialer := newFakeDialer()
	store := newMemCheckpoints()
	r := startSession(t, dialer, func(cfg *SessionConfig) { cfg.Checkpoints = store })

	c := ready(t, r, "S1", 5)
	cp, ok := store.get(0)
	require.True(t, ok)
	assert.Equal(t, "S1", cp.SessionID)

	c.push(t, OpInvalidSession, "", 0, false)

	c2 := dialer.next(t)
	assert.True(t, strings.HasPrefix(dialer.lastURL(), "wss://gateway.test"))
	c2.hello(t, time.Hour)
	c2.expect(t, func(f sentFrame) bool {
		require.NotEqual(t, OpResume, f.Op, "invalidated session must not resume")
		return f.Op == OpIdentify
	})

	_, ok = store.get(0)
	assert.False(t, ok, "checkpoint cleared")
	assert.Empty(t, r.session.Status().SessionID)
}

func TestSession_ResumableInvalidSessionResumes(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := ready(t, r, "S1", 5)
	c.push(t, OpInvalidSession, "", 0, true)

	c2 := dialer.next(t)
	c2.hello(t, time.Hour)
	c2.expectOp(t, OpResume)
}

func TestSession_ReconnectRequest(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := ready(t, r, "S1", 9)
	c.push(t, OpReconnect, "", 0, nil)

	c2 := dialer.next(t)
	assert.True(t, c.isClosed())
	c2.hello(t, time.Hour)
	f := c2.expectOp(t, OpResume)

	var res Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, int64(9), res.Seq)
}

func TestSession_RestoresCheckpoint(t *testing.T) {
	dialer := newFakeDialer()
	store := newMemCheckpoints()
	require.NoError(t, store.SaveCheckpoint(context.Background(), Checkpoint{
		BotID:     "bot1",
		Shard:     0,
		SessionID: "S9",
		ResumeURL: "wss://resume.test",
		Seq:       100,
	}))
	r := startSession(t, dialer, func(cfg *SessionConfig) { cfg.Checkpoints = store })

	c := dialer.next(t)
	assert.True(t, strings.HasPrefix(dialer.lastURL(), "wss://resume.test"))
	c.hello(t, time.Hour)
	f := c.expectOp(t, OpResume)

	var res Resume
	require.NoError(t, json.Unmarshal(f.D, &res))
	assert.Equal(t, "S9", res.SessionID)
	assert.Equal(t, int64(100), res.Seq)

	c.push(t, OpDispatch, EventResumed, 101, map[string]string{})
	require.Eventually(t, func() bool { return r.session.State() == Active }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_MalformedFrameIsSkipped(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)

	c := dialer.next(t)
	c.in <- []byte("{not json")
	c.hello(t, time.Hour)
	c.expectOp(t, OpIdentify)
	c.push(t, OpDispatch, EventReady, 1, Ready{SessionID: "S1"})

	require.Eventually(t, func() bool { return r.session.State() == Active }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
}

func TestSession_HandlerPanicDoesNotKillShard(t *testing.T) {
	dialer := newFakeDialer()
	calls := make(chan string, 4)
	r := startSession(t, dialer, func(cfg *SessionConfig) {
		cfg.Handler = func(ctx context.Context, d Dispatch) {
			calls <- d.Type
			if d.Type == "BAD" {
				panic("normalizer bug")
			}
		}
	})

	c := ready(t, r, "S1", 1)
	c.push(t, OpDispatch, "BAD", 2, nil)
	c.push(t, OpDispatch, "GOOD", 3, nil)

	got := map[string]bool{}
	for range 2 {
		select {
		case typ := <-calls:
			got[typ] = true
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch not delivered")
		}
	}
	assert.True(t, got["BAD"] && got["GOOD"])
	assert.Equal(t, Active, r.session.State())
}

func TestSession_StopsOnContextCancel(t *testing.T) {
	dialer := newFakeDialer()
	r := startSession(t, dialer, nil)
	c := ready(t, r, "S1", 1)

	r.cancel()

	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.True(t, c.isClosed())
	assert.Equal(t, Disconnected, r.session.State())
}

func TestConnectURL(t *testing.T) {
	got, err := connectURL("wss://gateway.test")
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.test?encoding=json&v=10", got)

	got, err = connectURL("wss://gateway.test/?v=9")
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.test/?encoding=json&v=9", got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "unknown", State(99).String())
}
