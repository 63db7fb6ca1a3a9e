// ABOUTME: Registration API for message handlers, event handlers, hooks, and error handlers.
// ABOUTME: Registration order is preserved and used as the selection tie-break.

package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/2389/coven-bot/internal/chat"
)

// HandlerFunc handles a selected message. A non-empty chain is sent as the
// reply; an empty chain lets the message fall through to a pending wait.
type HandlerFunc func(ctx context.Context, m *chat.Message) (chat.Chain, error)

// VerifyFunc replaces built-in scoring for one handler.
type VerifyFunc func(ctx context.Context, m *chat.Message) (chat.VerifyResult, error)

// EventFunc handles a platform event.
type EventFunc func(ctx context.Context, ev chat.Event) error

// ErrorFunc receives faults raised by application callbacks.
type ErrorFunc func(ctx context.Context, f Fault) error

// MiddlewareFunc may replace the message before matching. Returning nil keeps
// the current message.
type MiddlewareFunc func(ctx context.Context, m *chat.Message) (*chat.Message, error)

// BeforeFunc runs before the selected handler. Returning false skips the
// dispatch.
type BeforeFunc func(ctx context.Context, m *chat.Message, handler string) (bool, error)

// AfterFunc runs after a reply was sent.
type AfterFunc func(ctx context.Context, m *chat.Message, reply chat.Chain, results []chat.SendResult) error

// MessageSpec describes a message handler registration.
type MessageSpec struct {
	// Name identifies the handler in logs and the dispatch log. Defaults to
	// handler-<n>.
	Name string
	// Match is the built-in matcher. Ignored when Verify is set.
	Match Matcher
	// Verify fully replaces built-in scoring.
	Verify VerifyFunc
	// Weight overrides the matcher's default weight when positive.
	Weight int

	// NoPrefix makes the handler a candidate without a prefix or mention.
	NoPrefix bool
	// Prefixes overrides the router's global prefixes for this handler.
	Prefixes []string

	// AllowDirect lets the handler run on direct messages as well.
	AllowDirect bool
	// DirectOnly restricts the handler to direct messages.
	DirectOnly bool
}

// Handle identifies a registered message handler.
type Handle struct {
	name  string
	index int
}

// Name returns the handler name.
func (h Handle) Name() string { return h.name }

type messageHandler struct {
	spec  MessageSpec
	fn    HandlerFunc
	index int
}

type eventHandler struct {
	names map[string]struct{}
	fn    EventFunc
}

func (h *eventHandler) wants(name string) bool {
	if h.names == nil {
		return true
	}
	_, ok := h.names[name]
	return ok
}

type errorHandler struct {
	categories []Category
	fn         ErrorFunc
}

func (h *errorHandler) wildcard() bool { return len(h.categories) == 0 }

func (h *errorHandler) accepts(err error) bool {
	for _, c := range h.categories {
		if c != nil && c(err) {
			return true
		}
	}
	return false
}

// Router holds every registration of one bot instance.
type Router struct {
	mu         sync.RWMutex
	prefixes   []string
	handlers   []*messageHandler
	events     []*eventHandler
	errors     []*errorHandler
	middleware []MiddlewareFunc
	before     []BeforeFunc
	after      []AfterFunc
}

// NewRouter creates a router with the given global prefixes.
func NewRouter(prefixes ...string) *Router {
	return &Router{prefixes: slices.Clone(prefixes)}
}

// SetPrefixes replaces the global prefixes.
func (r *Router) SetPrefixes(prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = slices.Clone(prefixes)
}

// Prefixes returns the global prefixes.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.prefixes)
}

// OnMessage registers a message handler.
func (r *Router) OnMessage(spec MessageSpec, fn HandlerFunc) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := len(r.handlers)
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("handler-%d", idx+1)
	}
	spec.Prefixes = slices.Clone(spec.Prefixes)
	r.handlers = append(r.handlers, &messageHandler{spec: spec, fn: fn, index: idx})
	return Handle{name: spec.Name, index: idx}
}

// OnEvent registers an event handler for the given event names. No names
// registers a wildcard handler that sees every event.
func (r *Router) OnEvent(fn EventFunc, names ...string) {
	h := &eventHandler{fn: fn}
	if len(names) > 0 {
		h.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			h.names[n] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, h)
}

// OnError registers an error handler. No categories registers a wildcard
// handler that runs only when no categorized handler accepted the fault.
func (r *Router) OnError(fn ErrorFunc, categories ...Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, &errorHandler{categories: categories, fn: fn})
}

// Use appends middleware. Middleware runs in registration order.
func (r *Router) Use(fn MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, fn)
}

// BeforeReply appends a hook run before the selected handler.
func (r *Router) BeforeReply(fn BeforeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, fn)
}

// AfterReply appends a hook run after a reply is sent.
func (r *Router) AfterReply(fn AfterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, fn)
}

// Len returns the number of message handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// snapshot is an immutable view used by one dispatch.
type snapshot struct {
	prefixes   []string
	handlers   []*messageHandler
	events     []*eventHandler
	errors     []*errorHandler
	middleware []MiddlewareFunc
	before     []BeforeFunc
	after      []AfterFunc
}

func (r *Router) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot{
		prefixes:   r.prefixes,
		handlers:   slices.Clone(r.handlers),
		events:     slices.Clone(r.events),
		errors:     slices.Clone(r.errors),
		middleware: slices.Clone(r.middleware),
		before:     slices.Clone(r.before),
		after:      slices.Clone(r.after),
	}
}
