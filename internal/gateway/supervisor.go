// ABOUTME: Supervisor owning the shard count and running every shard session.
// ABOUTME: Identifies are paced with a token bucket shared by all shards.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrAllShardsDead is returned by Supervisor.Run when every shard died
// before the context ended.
var ErrAllShardsDead = errors.New("all shards dead")

// DefaultIdentifyInterval spaces identify frames across shards.
const DefaultIdentifyInterval = 5 * time.Second

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Session is the template for every shard. Shard, ShardCount, and
	// IdentifyGate are set per shard.
	Session SessionConfig
	// Shards is the shard count. Zero asks the resolver for a recommendation.
	Shards           int
	IdentifyInterval time.Duration
	Logger           *slog.Logger
}

// Supervisor starts all shard sessions of one bot and reports their status.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions []*Session
}

// NewSupervisor creates a supervisor. The session resolver is wrapped in a
// CachedResolver so the gateway URL is fetched once for all shards.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdentifyInterval <= 0 {
		cfg.IdentifyInterval = DefaultIdentifyInterval
	}
	if cfg.Session.Resolver != nil {
		if _, ok := cfg.Session.Resolver.(*CachedResolver); !ok {
			cfg.Session.Resolver = NewCachedResolver(cfg.Session.Resolver)
		}
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "gateway-supervisor"),
	}
}

// Run starts every shard and blocks until all of them return. A dead shard is
// logged and does not stop the others.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Session.Resolver == nil || s.cfg.Session.Dialer == nil {
		return errors.New("gateway supervisor needs a resolver and a dialer")
	}

	count, err := s.shardCount(ctx)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.IdentifyInterval), 1)
	sessions := make([]*Session, 0, count)
	for i := range count {
		sc := s.cfg.Session
		sc.Shard = i
		sc.ShardCount = count
		sc.IdentifyGate = limiter.Wait
		sessions = append(sessions, NewSession(sc))
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	s.logger.Info("starting shards", "count", count, "identify_interval", s.cfg.IdentifyInterval)

	var (
		g    errgroup.Group
		dead atomic.Int32
	)
	for _, sess := range sessions {
		g.Go(func() error {
			if err := sess.Run(ctx); errors.Is(err, ErrShardDead) {
				dead.Add(1)
				s.logger.Error("shard terminated", "shard", sess.cfg.Shard, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil && int(dead.Load()) == count {
		return ErrAllShardsDead
	}
	return nil
}

func (s *Supervisor) shardCount(ctx context.Context) (int, error) {
	if s.cfg.Shards > 0 {
		return s.cfg.Shards, nil
	}
	info, err := s.cfg.Session.Resolver.Resolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve shard count: %w", err)
	}
	return max(info.Shards, 1), nil
}

// Status returns one entry per shard, empty before Run has started them.
func (s *Supervisor) Status() []ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ShardStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Status())
	}
	return out
}

// Ready reports whether shards exist and every one of them is Active.
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sessions) == 0 {
		return false
	}
	for _, sess := range s.sessions {
		if sess.State() != Active {
			return false
		}
	}
	return true
}
