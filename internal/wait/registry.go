// ABOUTME: Registry of pending conversational waits keyed by scope key.
// ABOUTME: Enforces one live entry per key, cooperative timeouts, and channel focus.

package wait

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxTime is used when neither Options nor Config set a timeout.
const DefaultMaxTime = 30 * time.Second

// Kind distinguishes single-target entries from channel-wide ones.
type Kind int

const (
	Single Kind = iota
	Channel
)

func (k Kind) String() string {
	if k == Channel {
		return "channel"
	}
	return "single"
}

// Config configures a Registry.
type Config struct {
	// MaxTime is the default timeout for new entries.
	MaxTime time.Duration
	Logger  *slog.Logger
}

// Options configures a single registration.
type Options struct {
	// Forced entries capture inbound messages even when a handler would match.
	Forced bool
	// MaxTime overrides the registry default. Negative disables the timeout.
	MaxTime time.Duration
	// Clean replaces an existing channel-wide entry instead of re-focusing it.
	// Only used by Channel.
	Clean bool
}

// AwaitOptions configures an Await call.
type AwaitOptions[T any] struct {
	// Focus is the token the caller owns. Required for channel-wide entries.
	Focus string
	// Filter drops buffered values it rejects; waiting continues.
	Filter func(T) bool
}

// Entry is one pending wait. All mutable state is guarded by the owning
// registry's lock.
type Entry[T any] struct {
	id      uint64
	key     string
	kind    Kind
	created time.Time

	forced  bool
	alive   bool
	reason  Status
	maxTime time.Duration
	timer   *time.Timer
	// armed counts timer arms; a firing timer only expires its own arm.
	armed uint64

	value    T
	hasValue bool
	queue    []T

	focus  string
	tokens map[string]struct{}

	changed chan struct{}
}

// ID returns the registry-wide monotonically increasing id of the entry.
func (e *Entry[T]) ID() uint64 { return e.id }

// Key returns the scope key the entry was registered under.
func (e *Entry[T]) Key() string { return e.key }

// Kind returns whether the entry is single-target or channel-wide.
func (e *Entry[T]) Kind() Kind { return e.kind }

// Elapsed returns the time since the entry was registered.
func (e *Entry[T]) Elapsed() time.Duration { return time.Since(e.created) }

// Registry maps scope keys to at most one live Entry.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]
	nextID  uint64
	closed  bool

	maxTime time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[T any](cfg Config) *Registry[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTime := cfg.MaxTime
	if maxTime == 0 {
		maxTime = DefaultMaxTime
	}
	return &Registry[T]{
		entries: make(map[string]*Entry[T]),
		maxTime: maxTime,
		logger:  logger.With("component", "wait-registry"),
	}
}

// Register creates a single-target entry for key, invalidating any previous
// entry under the same key.
func (r *Registry[T]) Register(key string, opts Options) *Entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(key, Single, opts, "")
}

// Channel returns a channel-wide entry for key focused on token. A live
// channel-wide entry is reused and re-focused unless opts.Clean is set; any
// other existing entry is replaced.
func (r *Registry[T]) Channel(key string, token string, opts Options) *Entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[key]; ok && cur.alive && cur.kind == Channel && !opts.Clean {
		cur.forced = opts.Forced
		r.focusLocked(cur, token)
		r.armLocked(cur, opts.MaxTime)
		return cur
	}
	return r.registerLocked(key, Channel, opts, token)
}

func (r *Registry[T]) registerLocked(key string, kind Kind, opts Options, token string) *Entry[T] {
	if prev, ok := r.entries[key]; ok {
		r.killLocked(prev, Cancelled)
		r.logger.Debug("wait superseded", "key", key, "old_id", prev.id)
	}

	r.nextID++
	e := &Entry[T]{
		id:      r.nextID,
		key:     key,
		kind:    kind,
		created: time.Now(),
		forced:  opts.Forced,
		alive:   true,
		changed: make(chan struct{}),
	}
	if kind == Channel {
		e.tokens = make(map[string]struct{})
		e.focus = token
		if token != "" {
			e.tokens[token] = struct{}{}
		}
	}

	if r.closed {
		e.alive = false
		e.reason = Cancelled
		return e
	}

	r.entries[key] = e
	r.armLocked(e, opts.MaxTime)
	r.logger.Debug("wait registered", "key", key, "id", e.id, "kind", kind, "forced", e.forced)
	return e
}

// armLocked (re)starts the cooperative timeout of e.
func (r *Registry[T]) armLocked(e *Entry[T], maxTime time.Duration) {
	if maxTime == 0 {
		maxTime = r.maxTime
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.maxTime = maxTime
	e.armed++
	if maxTime < 0 {
		return
	}
	arm := e.armed
	e.timer = time.AfterFunc(maxTime, func() { r.expire(e, arm) })
}

// expire flips the alive flag of e once its timeout elapses. The entry stays
// mapped so IsAlive reports a plain false rather than a supersession. A timer
// from an earlier arm that fired while the entry was being re-armed is
// ignored.
func (r *Registry[T]) expire(e *Entry[T], arm uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !e.alive || e.armed != arm {
		return
	}
	e.alive = false
	e.reason = TimedOut
	e.timer = nil
	r.wakeLocked(e)
	r.logger.Debug("wait timed out", "key", e.key, "id", e.id, "max_time", e.maxTime)
}

// killLocked marks e dead with the given reason and wakes its waiters.
func (r *Registry[T]) killLocked(e *Entry[T], reason Status) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.alive {
		e.alive = false
		e.reason = reason
	}
	r.wakeLocked(e)
}

func (r *Registry[T]) wakeLocked(e *Entry[T]) {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (r *Registry[T]) watch(e *Entry[T]) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.changed
}

// Lookup returns the live entry under key, or nil. A timed-out entry stays
// mapped until its waiter releases it, so the waiter still sees TimedOut.
func (r *Registry[T]) Lookup(key string) *Entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || !e.alive {
		return nil
	}
	return e
}

// Forced reports whether e captures messages ahead of handler matching.
func (r *Registry[T]) Forced(e *Entry[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.forced
}

// IsAlive returns ErrCancelled if key no longer maps to e, and false if e's
// own alive flag was cleared (timeout or cancellation).
func (r *Registry[T]) IsAlive(e *Entry[T]) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.key] != e {
		return false, ErrCancelled
	}
	return e.alive, nil
}

// Poll returns a buffered value without blocking. Single entries hand over
// and clear their value; channel entries pop the oldest queued value.
func (r *Registry[T]) Poll(e *Entry[T]) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollLocked(e)
}

func (r *Registry[T]) pollLocked(e *Entry[T]) (T, bool) {
	var zero T
	if e.kind == Channel {
		if len(e.queue) == 0 {
			return zero, false
		}
		v := e.queue[0]
		e.queue[0] = zero
		e.queue = e.queue[1:]
		return v, true
	}
	if !e.hasValue {
		return zero, false
	}
	v := e.value
	e.value = zero
	e.hasValue = false
	return v, true
}

// Deliver buffers v into e. origin identifies the conversation branch v
// belongs to; for channel-wide entries a non-empty origin that differs from
// the current focus is rejected with ErrOutOfFocus. Delivering to a stale or
// dead entry returns ErrCancelled.
func (r *Registry[T]) Deliver(e *Entry[T], v T, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.key] != e || !e.alive {
		return ErrCancelled
	}

	if e.kind == Channel {
		if origin != "" && origin != e.focus {
			return ErrOutOfFocus
		}
		e.queue = append(e.queue, v)
	} else {
		e.value = v
		e.hasValue = true
	}
	r.wakeLocked(e)
	return nil
}

// Focus binds a channel-wide entry to token, the id of the message now
// owning the conversation turn. Waiters holding an older token observe
// OutOfFocus on their next iteration.
func (r *Registry[T]) Focus(e *Entry[T], token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focusLocked(e, token)
}

func (r *Registry[T]) focusLocked(e *Entry[T], token string) {
	if e.kind != Channel || e.focus == token {
		return
	}
	e.focus = token
	if token != "" {
		e.tokens[token] = struct{}{}
	}
	r.wakeLocked(e)
}

// OnFocus reports whether token currently owns the channel-wide entry.
// Single entries are always in focus.
func (r *Registry[T]) OnFocus(e *Entry[T], token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.kind != Channel {
		return true
	}
	return e.focus == token
}

// KnowsToken reports whether token has ever focused the channel-wide entry.
func (r *Registry[T]) KnowsToken(e *Entry[T], token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := e.tokens[token]
	return ok
}

// Cancel kills e and removes it from the registry if it is still mapped.
func (r *Registry[T]) Cancel(e *Entry[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(e, Cancelled)
}

func (r *Registry[T]) cancelLocked(e *Entry[T], reason Status) {
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.killLocked(e, reason)
}

// CancelKey cancels whatever entry is mapped under key. It reports whether an
// entry was removed.
func (r *Registry[T]) CancelKey(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.cancelLocked(e, Cancelled)
	return true
}

// CancelFocus cancels the channel-wide entry under key when token still owns
// its focus. It reports whether an entry was cancelled.
func (r *Registry[T]) CancelFocus(key, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.kind != Channel || e.focus != token {
		return false
	}
	r.cancelLocked(e, Cancelled)
	r.logger.Debug("channel wait closed", "key", key, "id", e.id)
	return true
}

// Await blocks until e yields a value accepted by opts.Filter, or until the
// entry stops being usable by the caller. The loop checks IsAlive and, for
// channel entries, OnFocus before every poll.
func (r *Registry[T]) Await(ctx context.Context, e *Entry[T], opts AwaitOptions[T]) Result[T] {
	for {
		changed := r.watch(e)

		alive, err := r.IsAlive(e)
		if err != nil {
			return Result[T]{Status: Cancelled}
		}
		if !alive {
			return Result[T]{Status: r.release(e)}
		}
		if e.kind == Channel && !r.OnFocus(e, opts.Focus) {
			return Result[T]{Status: OutOfFocus}
		}

		if v, ok := r.Poll(e); ok {
			if opts.Filter != nil && !opts.Filter(v) {
				continue
			}
			if e.kind == Single {
				r.consume(e)
			}
			return Result[T]{Status: Matched, Value: v}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			r.abandon(e, opts.Focus)
			return Result[T]{Status: Cancelled}
		}
	}
}

// release drops a dead entry from the map and returns why it died.
func (r *Registry[T]) release(e *Entry[T]) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	if e.reason == Matched {
		return Cancelled
	}
	return e.reason
}

// consume removes a fulfilled single-target entry.
func (r *Registry[T]) consume(e *Entry[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.alive = false
	e.reason = Matched
}

// abandon cancels e when its waiter goes away, unless another message has
// taken the focus of a shared channel entry.
func (r *Registry[T]) abandon(e *Entry[T], token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.kind == Channel && e.focus != token {
		return
	}
	r.cancelLocked(e, Cancelled)
}

// Len returns the number of mapped entries, including expired ones not yet pruned.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels every entry. Later registrations are born dead.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for key, e := range r.entries {
		r.killLocked(e, Cancelled)
		delete(r.entries, key)
	}
	r.logger.Debug("wait registry closed")
}
