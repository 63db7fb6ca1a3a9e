// ABOUTME: Shard session state machine: connect, identify or resume, heartbeat, reconnect.
// ABOUTME: Transport and decode faults stay inside; only budget exhaustion ends the shard.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShardDead is returned by Session.Run once the reconnect budget is spent.
var ErrShardDead = errors.New("shard dead: reconnect budget exhausted")

var (
	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway invalidated session")
)

// Session defaults.
const (
	DefaultRetryDelay         = 10 * time.Second
	DefaultReconnectBudget    = 3
	DefaultHeartbeatTick      = time.Second
	DefaultCheckpointInterval = 5 * time.Second
)

// State is the lifecycle state of one shard.
type State int32

const (
	Connecting State = iota
	Identifying
	Resuming
	Active
	Disconnected
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Identifying:
		return "identifying"
	case Resuming:
		return "resuming"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Checkpoint is the resumable state of a shard.
type Checkpoint struct {
	BotID     string
	Shard     int
	SessionID string
	ResumeURL string
	Seq       int64
	UpdatedAt time.Time
}

// CheckpointStore persists checkpoints across process restarts.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, botID string, shard int) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ClearCheckpoint(ctx context.Context, botID string, shard int) error
}

// Handler receives dispatch frames. Each call runs in its own goroutine.
type Handler func(ctx context.Context, d Dispatch)

// SessionConfig configures one shard session.
type SessionConfig struct {
	BotID      string
	Token      string
	Intents    int
	Shard      int
	ShardCount int

	Resolver    Resolver
	Dialer      Dialer
	Handler     Handler
	Checkpoints CheckpointStore

	// IdentifyGate is awaited before every identify. The supervisor uses it
	// to pace identifies across shards.
	IdentifyGate func(ctx context.Context) error
	// OnReady is called synchronously when READY arrives.
	OnReady func(shard int, r Ready)

	RetryDelay         time.Duration
	ReconnectBudget    int
	HeartbeatTick      time.Duration
	CheckpointInterval time.Duration

	Logger *slog.Logger
}

// ShardStatus is a snapshot of a session for health reporting.
type ShardStatus struct {
	Index     int       `json:"index"`
	Count     int       `json:"count"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       int64     `json:"seq"`
	Budget    int       `json:"budget"`
	LastAck   time.Time `json:"last_heartbeat_ack,omitzero"`
}

// Session keeps one shard connected.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	sessionID  string
	resumeURL  string
	budget     int
	everActive bool
	lastAck    time.Time
	lastSave   time.Time

	seq        atomic.Int64
	generation atomic.Uint64

	inflight sync.WaitGroup
	beats    sync.WaitGroup
}

// NewSession creates a session for cfg.Shard. Zero durations and budget take
// the package defaults.
func NewSession(cfg SessionConfig) *Session {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.ReconnectBudget <= 0 {
		cfg.ReconnectBudget = DefaultReconnectBudget
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = DefaultHeartbeatTick
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("component", "gateway-session", "shard", cfg.Shard),
		budget: cfg.ReconnectBudget,
	}
}

// Run connects and keeps reconnecting until ctx is done or the reconnect
// budget is exhausted. It waits for in-flight dispatches before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.inflight.Wait()
	defer s.beats.Wait()

	s.restore(ctx)

	for {
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}

		resuming := s.resumable()
		established, err := s.serve(ctx, resuming)
		s.generation.Add(1)
		s.persist(ctx)

		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}

		s.mu.Lock()
		if !established && s.everActive {
			s.budget--
		}
		budget, everActive := s.budget, s.everActive
		s.state = Disconnected
		s.mu.Unlock()

		s.logger.Warn("gateway connection ended",
			"error", err,
			"established", established,
			"resumable", s.resumable(),
			"budget", budget,
		)

		if everActive && budget <= 0 {
			s.setState(Dead)
			s.logger.Error("shard dead, no further reconnect attempts")
			return ErrShardDead
		}

		// A connection that was live reconnects at once; a failed attempt
		// waits out the retry delay.
		if !established && !sleepCtx(ctx, s.cfg.RetryDelay) {
			s.setState(Disconnected)
			return nil
		}
	}
}

// serve runs one transport from dial to close. established reports whether
// READY or RESUMED was received on it.
func (s *Session) serve(ctx context.Context, resuming bool) (established bool, err error) {
	if resuming {
		s.setState(Resuming)
	} else {
		s.setState(Connecting)
	}

	target, err := s.gatewayURL(ctx, resuming)
	if err != nil {
		return false, err
	}

	tr, err := s.cfg.Dialer.Dial(ctx, target)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer func() {
		stop()
		_ = tr.Close()
	}()

	if !resuming {
		s.setState(Identifying)
	}
	s.logger.Debug("transport open", "url", target, "resuming", resuming)

	for {
		data, err := tr.Read()
		if err != nil {
			return established, fmt.Errorf("read: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if f.S != nil {
			s.seq.Store(*f.S)
		}

		switch f.Op {
		case OpHello:
			var h Hello
			if err := json.Unmarshal(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
				return established, fmt.Errorf("invalid hello payload: %s", f.D)
			}
			s.startHeartbeat(ctx, tr, time.Duration(h.HeartbeatInterval)*time.Millisecond)
			if err := s.handshake(ctx, tr, resuming); err != nil {
				return established, err
			}

		case OpHeartbeat:
			if err := s.beat(tr); err != nil {
				return established, err
			}

		case OpHeartbeatAck:
			s.mu.Lock()
			s.lastAck = time.Now()
			s.mu.Unlock()

		case OpReconnect:
			return established, errReconnectRequested

		case OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(f.D, &resumable)
			if !resumable {
				s.invalidate(ctx)
			}
			return established, errInvalidSession

		case OpDispatch:
			if s.dispatch(ctx, f) {
				established = true
			}

		default:
			s.logger.Debug("ignoring frame", "op", f.Op)
		}
	}
}

func (s *Session) gatewayURL(ctx context.Context, resuming bool) (string, error) {
	target := ""
	if resuming {
		s.mu.Lock()
		target = s.resumeURL
		s.mu.Unlock()
	}
	if target == "" {
		info, err := s.cfg.Resolver.Resolve(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve gateway: %w", err)
		}
		target = info.URL
	}
	return connectURL(target)
}

func (s *Session) handshake(ctx context.Context, tr Transport, resuming bool) error {
	if resuming {
		s.mu.Lock()
		r := Resume{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.seq.Load()}
		s.mu.Unlock()
		s.logger.Info("resuming session", "session_id", r.SessionID, "seq", r.Seq)
		return s.send(tr, OpResume, r)
	}

	if s.cfg.IdentifyGate != nil {
		if err := s.cfg.IdentifyGate(ctx); err != nil {
			return fmt.Errorf("identify gate: %w", err)
		}
	}
	s.logger.Info("identifying", "shard_count", s.cfg.ShardCount)
	return s.send(tr, OpIdentify, Identify{
		Token:   s.cfg.Token,
		Intents: s.cfg.Intents,
		Shard:   [2]int{s.cfg.Shard, s.cfg.ShardCount},
		Properties: map[string]string{
			"os":      runtime.GOOS,
			"browser": "coven-bot",
			"device":  "coven-bot",
		},
	})
}

// dispatch handles an op 0 frame and reports whether it established the
// session.
func (s *Session) dispatch(ctx context.Context, f Frame) bool {
	switch f.T {
	case EventReady:
		var r Ready
		if err := json.Unmarshal(f.D, &r); err != nil {
			s.logger.Warn("invalid READY payload", "error", err)
			return false
		}
		s.mu.Lock()
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.markActiveLocked()
		s.mu.Unlock()
		s.logger.Info("shard ready", "session_id", r.SessionID, "user_id", r.User.ID)
		s.persist(ctx)
		if s.cfg.OnReady != nil {
			s.cfg.OnReady(s.cfg.Shard, r)
		}
		return true

	case EventResumed:
		s.mu.Lock()
		s.markActiveLocked()
		s.mu.Unlock()
		s.logger.Info("shard resumed", "seq", s.seq.Load())
		return true
	}

	s.maybePersist(ctx)
	if s.cfg.Handler == nil {
		return false
	}

	d := Dispatch{Shard: s.cfg.Shard, Type: f.T, Data: f.D}
	if f.S != nil {
		d.Seq = *f.S
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("dispatch handler panicked", "type", d.Type, "seq", d.Seq, "panic", r)
			}
		}()
		s.cfg.Handler(ctx, d)
	}()
	return false
}

// markActiveLocked applies a confirmed READY or RESUMED. The budget is only
// restored here.
func (s *Session) markActiveLocked() {
	s.state = Active
	s.budget = s.cfg.ReconnectBudget
	s.everActive = true
}

func (s *Session) startHeartbeat(ctx context.Context, tr Transport, interval time.Duration) {
	gen := s.generation.Add(1)
	s.beats.Add(1)
	go func() {
		defer s.beats.Done()
		s.heartbeatLoop(ctx, tr, interval, gen)
	}()
}

// heartbeatLoop ticks every HeartbeatTick and sends a heartbeat once per
// interval, until its generation is superseded.
func (s *Session) heartbeatLoop(ctx context.Context, tr Transport, interval time.Duration, gen uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatTick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.generation.Load() != gen {
			return
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()
		if err := s.beat(tr); err != nil {
			s.logger.Warn("heartbeat failed", "error", err)
			return
		}
	}
}

func (s *Session) beat(tr Transport) error {
	var d any
	if seq := s.seq.Load(); seq > 0 {
		d = seq
	}
	return s.send(tr, OpHeartbeat, d)
}

func (s *Session) send(tr Transport, op int, d any) error {
	data, err := encodeFrame(op, d)
	if err != nil {
		return err
	}
	if err := tr.Write(data); err != nil {
		return fmt.Errorf("write op %d: %w", op, err)
	}
	return nil
}

func (s *Session) resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != ""
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Dead {
		s.state = st
	}
}

// restore loads a persisted checkpoint so the first connection resumes.
func (s *Session) restore(ctx context.Context) {
	if s.cfg.Checkpoints == nil {
		return
	}
	cp, ok, err := s.cfg.Checkpoints.LoadCheckpoint(ctx, s.cfg.BotID, s.cfg.Shard)
	if err != nil {
		s.logger.Warn("failed to load checkpoint", "error", err)
		return
	}
	if !ok || cp.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = cp.SessionID
	s.resumeURL = cp.ResumeURL
	s.mu.Unlock()
	s.seq.Store(cp.Seq)
	s.logger.Info("restored checkpoint", "session_id", cp.SessionID, "seq", cp.Seq)
}

// invalidate forgets the session so the next connection identifies.
func (s *Session) invalidate(ctx context.Context) {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)

	if s.cfg.Checkpoints == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cfg.Checkpoints.ClearCheckpoint(cctx, s.cfg.BotID, s.cfg.Shard); err != nil {
		s.logger.Warn("failed to clear checkpoint", "error", err)
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.cfg.Checkpoints == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	cp := Checkpoint{
		BotID:     s.cfg.BotID,
		Shard:     s.cfg.Shard,
		SessionID: s.sessionID,
		ResumeURL: s.resumeURL,
		Seq:       s.seq.Load(),
		UpdatedAt: now.UTC(),
	}
	s.lastSave = now
	s.mu.Unlock()

	if cp.SessionID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cfg.Checkpoints.SaveCheckpoint(cctx, cp); err != nil {
		s.logger.Warn("failed to save checkpoint", "error", err)
	}
}

func (s *Session) maybePersist(ctx context.Context) {
	if s.cfg.Checkpoints == nil {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastSave) >= s.cfg.CheckpointInterval
	s.mu.Unlock()
	if due {
		s.persist(ctx)
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShardStatus{
		Index:     s.cfg.Shard,
		Count:     s.cfg.ShardCount,
		State:     s.state.String(),
		SessionID: s.sessionID,
		Seq:       s.seq.Load(),
		Budget:    s.budget,
		LastAck:   s.lastAck,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
