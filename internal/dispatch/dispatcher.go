// ABOUTME: Dispatcher turning canonical messages and events into handler executions.
// ABOUTME: Interleaves handler selection with pending waits and routes faults.

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-bot/internal/chat"
	"github.com/2389/coven-bot/internal/wait"
)

// Config contains the collaborators of a Dispatcher.
type Config struct {
	Router   *Router
	Waits    *wait.Registry[*chat.Message]
	Sender   chat.Sender
	Recorder Recorder
	Logger   *slog.Logger
	// ChannelMaxTime is the default timeout of channel-wide waits. Zero uses
	// the registry default.
	ChannelMaxTime time.Duration
}

// Outcome summarizes what one DispatchMessage call did.
type Outcome struct {
	ID        string
	Handler   string
	Weight    int
	Skipped   bool
	Replied   bool
	Delivered bool
}

// Dispatcher routes messages for one bot instance. It implements
// chat.Conversation for the messages it dispatches.
type Dispatcher struct {
	router         *Router
	waits          *wait.Registry[*chat.Message]
	sender         chat.Sender
	recorder       Recorder
	logger         *slog.Logger
	channelMaxTime time.Duration
}

var _ chat.Conversation = (*Dispatcher)(nil)

// New creates a Dispatcher. A nil Router or Waits gets a fresh empty one.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := cfg.Router
	if router == nil {
		router = NewRouter()
	}
	waits := cfg.Waits
	if waits == nil {
		waits = wait.NewRegistry[*chat.Message](wait.Config{Logger: logger})
	}
	return &Dispatcher{
		router:         router,
		waits:          waits,
		sender:         cfg.Sender,
		recorder:       cfg.Recorder,
		logger:         logger.With("component", "dispatcher"),
		channelMaxTime: cfg.ChannelMaxTime,
	}
}

// Router returns the router the dispatcher reads registrations from.
func (d *Dispatcher) Router() *Router { return d.router }

// Waits returns the wait registry of this bot instance.
func (d *Dispatcher) Waits() *wait.Registry[*chat.Message] { return d.waits }

// DispatchMessage runs middleware, resolves pending waits, selects and runs
// at most one handler, and otherwise feeds the message to the resolved wait.
func (d *Dispatcher) DispatchMessage(ctx context.Context, m *chat.Message) Outcome {
	out := Outcome{ID: uuid.NewString()}
	logger := d.logger.With("dispatch_id", out.ID, "message_id", m.ID)
	snap := d.router.snapshot()

	m.Bind(d)
	for _, mw := range snap.middleware {
		var next *chat.Message
		err := protect(func() error {
			var err error
			next, err = mw(ctx, m)
			return err
		})
		if err != nil {
			d.route(ctx, snap, Fault{Err: err, Stage: "middleware", Message: m})
			out.Skipped = true
			return out
		}
		if next != nil {
			m = next
			m.Bind(d)
		}
	}

	userEntry := d.waits.Lookup(UserKey(m))
	resolved := userEntry
	if !m.Direct {
		if ch := d.waits.Lookup(ChannelKey(m)); ch != nil && (userEntry == nil || d.waits.Forced(ch)) {
			resolved = ch
		}
	}

	if resolved != nil && d.waits.Forced(resolved) {
		out.Delivered = d.deliver(logger, resolved, m)
		return out
	}

	sel, faults := snap.selectHandler(ctx, m)
	for _, f := range faults {
		d.route(ctx, snap, f)
	}

	if sel != nil {
		out.Handler = sel.Handler
		out.Weight = sel.Result.Weight
		verify := sel.Result
		m.Verify = &verify

		if !d.runBefore(ctx, snap, m, sel.Handler) {
			logger.Debug("dispatch skipped by hook", "handler", sel.Handler)
			out.Skipped = true
			return out
		}

		var reply chat.Chain
		err := protect(func() error {
			var err error
			reply, err = sel.h.fn(ctx, m)
			return err
		})
		// A channel-wide wait does not outlive the handler that opened it.
		d.CloseChannelWait(m)
		if err != nil {
			d.route(ctx, snap, Fault{Err: err, Handler: sel.Handler, Stage: "handler", Message: m})
		}

		if !reply.Empty() {
			if userEntry != nil && userEntry.Kind() == wait.Single {
				d.waits.Cancel(userEntry)
			}
			results, sendErr := d.Reply(ctx, m, reply)
			if sendErr != nil {
				d.route(ctx, snap, Fault{Err: sendErr, Handler: sel.Handler, Stage: "reply", Message: m})
			} else {
				out.Replied = true
				d.runAfter(ctx, snap, m, reply, results)
			}
			d.record(ctx, logger, m, out, firstErr(err, sendErr))
			logger.Debug("message handled", "handler", sel.Handler, "weight", out.Weight, "replied", out.Replied)
			return out
		}
		d.record(ctx, logger, m, out, err)
	}

	if resolved != nil {
		out.Delivered = d.deliver(logger, resolved, m)
	}
	return out
}

// deliver feeds m into e. A reply to a message that once held the focus of a
// channel-wide wait carries that message id as its origin.
func (d *Dispatcher) deliver(logger *slog.Logger, e *wait.Entry[*chat.Message], m *chat.Message) bool {
	origin := ""
	if e.Kind() == wait.Channel && m.ReplyToID != "" && d.waits.KnowsToken(e, m.ReplyToID) {
		origin = m.ReplyToID
	}
	if err := d.waits.Deliver(e, m, origin); err != nil {
		logger.Debug("wait rejected message", "key", e.Key(), "wait_id", e.ID(), "reason", err)
		return false
	}
	logger.Debug("message delivered to wait", "key", e.Key(), "wait_id", e.ID())
	return true
}

func (d *Dispatcher) runBefore(ctx context.Context, snap snapshot, m *chat.Message, handler string) bool {
	for _, hook := range snap.before {
		proceed := false
		err := protect(func() error {
			var err error
			proceed, err = hook(ctx, m, handler)
			return err
		})
		if err != nil {
			d.route(ctx, snap, Fault{Err: err, Handler: handler, Stage: "before_reply", Message: m})
			return false
		}
		if !proceed {
			return false
		}
	}
	return true
}

func (d *Dispatcher) runAfter(ctx context.Context, snap snapshot, m *chat.Message, reply chat.Chain, results []chat.SendResult) {
	for _, hook := range snap.after {
		err := protect(func() error { return hook(ctx, m, reply, results) })
		if err != nil {
			d.route(ctx, snap, Fault{Err: err, Stage: "after_reply", Message: m})
		}
	}
}

// DispatchEvent runs every wildcard handler and every handler registered for
// ev.Name, in registration order. It returns how many handlers ran.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev chat.Event) int {
	snap := d.router.snapshot()
	ran := 0
	for _, h := range snap.events {
		if !h.wants(ev.Name) {
			continue
		}
		ran++
		if err := protect(func() error { return h.fn(ctx, ev) }); err != nil {
			d.route(ctx, snap, Fault{Err: err, Stage: "event", Event: &ev})
		}
	}
	return ran
}

// route hands a fault to the error handlers whose categories accept it, or
// to the wildcard handlers when none does. Wait signals are not faults.
func (d *Dispatcher) route(ctx context.Context, snap snapshot, f Fault) {
	if f.Err == nil {
		return
	}
	if wait.IsSignal(f.Err) {
		d.logger.Debug("wait ended handler", "handler", f.Handler, "reason", f.Err)
		return
	}

	ran := 0
	for _, h := range snap.errors {
		if !h.wildcard() && h.accepts(f.Err) {
			ran++
			d.callErrorHandler(ctx, h, f)
		}
	}
	if ran == 0 {
		for _, h := range snap.errors {
			if h.wildcard() {
				ran++
				d.callErrorHandler(ctx, h, f)
			}
		}
	}
	if ran == 0 {
		d.logger.Error("unhandled fault",
			"stage", f.Stage,
			"handler", f.Handler,
			"error", f.Err,
		)
	}
}

func (d *Dispatcher) callErrorHandler(ctx context.Context, h *errorHandler, f Fault) {
	if err := protect(func() error { return h.fn(ctx, f) }); err != nil {
		d.logger.Error("error handler failed",
			"stage", f.Stage,
			"handler", f.Handler,
			"fault", f.Err,
			"error", err,
		)
	}
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, m *chat.Message, out Outcome, err error) {
	if d.recorder == nil {
		return
	}
	rec := Record{
		ID:        out.ID,
		BotID:     m.BotID,
		MessageID: m.ID,
		Handler:   out.Handler,
		Weight:    out.Weight,
		Replied:   out.Replied,
		At:        time.Now().UTC(),
	}
	if err != nil && !wait.IsSignal(err) {
		rec.Error = err.Error()
	}
	if recErr := d.recorder.RecordDispatch(ctx, rec); recErr != nil {
		logger.Warn("failed to record dispatch", "error", recErr)
	}
}

// Reply sends chain to the target of m.
func (d *Dispatcher) Reply(ctx context.Context, m *chat.Message, chain chat.Chain) ([]chat.SendResult, error) {
	if d.sender == nil {
		return nil, ErrNoSender
	}
	target := m.Target()
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return d.sender.Send(ctx, target, chain)
}

// Wait registers a single-target wait for the sender of m and blocks on it.
func (d *Dispatcher) Wait(ctx context.Context, m *chat.Message, opts chat.WaitOptions) wait.Result[*chat.Message] {
	e := d.waits.Register(UserKey(m), wait.Options{Forced: opts.Forced, MaxTime: opts.MaxTime})
	d.prompt(ctx, m, opts.Reply)
	return d.waits.Await(ctx, e, wait.AwaitOptions[*chat.Message]{Filter: opts.Filter})
}

// WaitChannel takes the channel-wide wait of m's channel, focused on m, and
// blocks on it.
func (d *Dispatcher) WaitChannel(ctx context.Context, m *chat.Message, opts chat.ChannelWaitOptions) wait.Result[*chat.Message] {
	maxTime := opts.MaxTime
	if maxTime == 0 {
		maxTime = d.channelMaxTime
	}
	e := d.waits.Channel(ChannelKey(m), m.ID, wait.Options{
		Forced:  opts.Forced,
		MaxTime: maxTime,
		Clean:   opts.Clean,
	})
	d.prompt(ctx, m, opts.Reply)
	return d.waits.Await(ctx, e, wait.AwaitOptions[*chat.Message]{Focus: m.ID, Filter: opts.Filter})
}

// CloseChannelWait cancels the channel-wide wait of m's channel if m still
// holds its focus.
func (d *Dispatcher) CloseChannelWait(m *chat.Message) bool {
	return d.waits.CancelFocus(ChannelKey(m), m.ID)
}

// prompt sends the optional wait prompt. The wait is already registered so a
// fast answer cannot be missed.
func (d *Dispatcher) prompt(ctx context.Context, m *chat.Message, reply chat.Chain) {
	if reply.Empty() {
		return
	}
	if _, err := d.Reply(ctx, m, reply); err != nil {
		d.logger.Warn("failed to send wait prompt", "message_id", m.ID, "error", err)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
