// ABOUTME: Bot orchestrator that coordinates the shard supervisor, dispatcher, and HTTP server
// ABOUTME: Builds every collaborator from config and manages the run/shutdown lifecycle

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-bot/internal/chat"
	"github.com/2389/coven-bot/internal/config"
	"github.com/2389/coven-bot/internal/dedupe"
	"github.com/2389/coven-bot/internal/discord"
	"github.com/2389/coven-bot/internal/dispatch"
	"github.com/2389/coven-bot/internal/gateway"
	"github.com/2389/coven-bot/internal/matrix"
	"github.com/2389/coven-bot/internal/store"
	"github.com/2389/coven-bot/internal/wait"
)

// shutdownTimeout bounds Shutdown when Run exits.
const shutdownTimeout = 5 * time.Second

// Bot is one running bot instance.
type Bot struct {
	config     *config.Config
	router     *dispatch.Router
	waits      *wait.Registry[*chat.Message]
	dispatcher *dispatch.Dispatcher
	supervisor *gateway.Supervisor
	normalizer *discord.Normalizer
	dedupe     *dedupe.Window
	store      *store.SQLiteStore
	alerts     chat.Sender
	httpServer *http.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	sender   chat.Sender
	alerts   chat.Sender
	dialer   gateway.Dialer
	resolver gateway.Resolver
}

// WithSender replaces the Discord REST sender.
func WithSender(s chat.Sender) Option { return func(o *options) { o.sender = s } }

// WithAlertSender replaces the Matrix alert sender. It is used even when
// matrix is disabled in config.
func WithAlertSender(s chat.Sender) Option { return func(o *options) { o.alerts = s } }

// WithDialer replaces the websocket dialer.
func WithDialer(d gateway.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithResolver replaces the gateway URL resolver.
func WithResolver(r gateway.Resolver) Option { return func(o *options) { o.resolver = r } }

// New creates a bot from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bot{
		config: cfg,
		logger: logger.With("component", "bot", "bot_id", cfg.Bot.ID),
	}

	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStoreWithLogger(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		b.store = s
	}

	sender, resolver, err := b.platform(o)
	if err != nil {
		b.closeStore()
		return nil, err
	}
	alerts, err := b.alertSender(o)
	if err != nil {
		b.closeStore()
		return nil, err
	}
	b.alerts = alerts

	b.waits = wait.NewRegistry[*chat.Message](wait.Config{MaxTime: cfg.Wait.MaxTime, Logger: logger})
	b.router = dispatch.NewRouter(cfg.Bot.Prefixes...)
	b.router.Use(dispatch.StripPrefix(cfg.Bot.Prefixes...))
	if b.alerts != nil {
		b.router.OnError(b.alertFault)
	}

	dcfg := dispatch.Config{
		Router:         b.router,
		Waits:          b.waits,
		Sender:         sender,
		Logger:         logger,
		ChannelMaxTime: cfg.Wait.ChannelMaxTime,
	}
	if b.store != nil {
		dcfg.Recorder = b.store
	}
	b.dispatcher = dispatch.New(dcfg)

	b.normalizer = discord.NewNormalizer(cfg.Bot.ID, cfg.Bot.Admins, logger)
	b.dedupe = dedupe.NewWindow(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)

	dialer := o.dialer
	if dialer == nil {
		dialer = &gateway.WebsocketDialer{}
	}
	session := gateway.SessionConfig{
		BotID:              cfg.Bot.ID,
		Token:              cfg.Bot.Token,
		Intents:            cfg.Bot.Intents,
		Resolver:           resolver,
		Dialer:             dialer,
		Handler:            b.handleDispatch,
		OnReady:            b.normalizer.OnReady,
		RetryDelay:         cfg.Gateway.RetryDelay,
		ReconnectBudget:    cfg.Gateway.ReconnectBudget,
		CheckpointInterval: cfg.Gateway.CheckpointInterval,
		Logger:             logger,
	}
	if b.store != nil {
		session.Checkpoints = b.store
	}
	b.supervisor = gateway.NewSupervisor(gateway.SupervisorConfig{
		Session:          session,
		Shards:           cfg.Bot.Shards,
		IdentifyInterval: cfg.Gateway.IdentifyInterval,
		Logger:           logger,
	})

	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /health", b.handleHealth)
		mux.HandleFunc("GET /health/ready", b.handleReady)
		mux.HandleFunc("GET /dispatches", b.handleDispatches)
		b.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return b, nil
}

// platform returns the outbound sender and the gateway URL resolver.
// A fixed gateway.url skips the REST lookup.
func (b *Bot) platform(o options) (chat.Sender, gateway.Resolver, error) {
	sender, resolver := o.sender, o.resolver
	if resolver == nil && b.config.Gateway.URL != "" {
		resolver = gateway.StaticResolver{URL: b.config.Gateway.URL, Shards: b.config.Bot.Shards}
	}
	if sender != nil && resolver != nil {
		return sender, resolver, nil
	}

	client, err := discord.NewClient(b.config.Bot.Token)
	if err != nil {
		return nil, nil, err
	}
	if sender == nil {
		sender = discord.NewSender(client, b.logger)
	}
	if resolver == nil {
		resolver = discord.NewURLResolver(client, b.config.Gateway.APIBase)
	}
	return sender, resolver, nil
}

func (b *Bot) alertSender(o options) (chat.Sender, error) {
	if o.alerts != nil {
		return o.alerts, nil
	}
	if !b.config.Matrix.Enabled {
		return nil, nil
	}
	client, err := matrix.NewClient(b.config.Matrix.Homeserver, b.config.Matrix.UserID, b.config.Matrix.AccessToken)
	if err != nil {
		return nil, err
	}
	return matrix.NewSender(client, b.logger), nil
}

// Router returns the router handlers are registered on.
func (b *Bot) Router() *dispatch.Router { return b.router }

// Dispatcher returns the message dispatcher.
func (b *Bot) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// Status returns per-shard status.
func (b *Bot) Status() []gateway.ShardStatus { return b.supervisor.Status() }

// handleDispatch is the gateway handler for every non-session dispatch.
func (b *Bot) handleDispatch(ctx context.Context, d gateway.Dispatch) {
	in, err := b.normalizer.Normalize(d)
	if err != nil {
		b.logger.Warn("dropping malformed dispatch", "type", d.Type, "seq", d.Seq, "shard", d.Shard, "error", err)
		return
	}

	if m := in.Message; m != nil {
		if b.dedupe.Seen(dedupe.Key(m.BotID, m.ID)) {
			b.logger.Debug("duplicate message dropped", "message_id", m.ID, "seq", d.Seq)
		} else {
			b.dispatcher.DispatchMessage(ctx, m)
		}
	}
	for _, ev := range in.Events {
		b.dispatcher.DispatchEvent(ctx, ev)
	}
}

// alertFault posts unhandled dispatch faults to the alert room.
func (b *Bot) alertFault(ctx context.Context, f dispatch.Fault) error {
	card := chat.Card{
		Title:       "dispatch fault",
		Description: f.Err.Error(),
		Fields: []chat.CardField{
			{Name: "bot", Value: b.config.Bot.ID, Inline: true},
			{Name: "stage", Value: f.Stage, Inline: true},
		},
	}
	if f.Handler != "" {
		card.Fields = append(card.Fields, chat.CardField{Name: "handler", Value: f.Handler, Inline: true})
	}
	if f.Message != nil {
		card.Fields = append(card.Fields, chat.CardField{Name: "message", Value: f.Message.ID, Inline: true})
	}
	if f.Event != nil {
		card.Fields = append(card.Fields, chat.CardField{Name: "event", Value: f.Event.Name, Inline: true})
	}

	b.logger.Error("dispatch fault", "stage", f.Stage, "handler", f.Handler, "error", f.Err)
	target := chat.Target{BotID: b.config.Bot.ID, ChannelID: b.config.Matrix.AlertRoom}
	if _, err := b.alerts.Send(ctx, target, chat.NewChain().Card(card)); err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	return nil
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (b *Bot) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run starts the shards and the HTTP server and blocks until ctx is
// canceled, a server fails, or every shard is dead. It always shuts the bot
// down before returning.
func (b *Bot) Run(ctx context.Context) error {
	var httpErr chan error
	if b.httpServer != nil {
		ln, err := net.Listen("tcp", b.httpServer.Addr)
		if err != nil {
			_ = b.gracefulShutdown()
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		httpErr = b.startServer(ln)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	supDone := make(chan error, 1)
	go func() { supDone <- b.supervisor.Run(runCtx) }()

	b.logger.Info("bot running", "prefixes", b.config.Bot.Prefixes, "handlers", b.router.Len())

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case err := <-httpErr:
		b.logger.Error("server error", "error", err)
		runErr = err
	case err := <-supDone:
		supDone = nil
		if err != nil {
			b.logger.Error("gateway stopped", "error", err)
		}
		runErr = err
	}

	cancel()
	if supDone != nil {
		select {
		case <-supDone:
		case <-time.After(shutdownTimeout):
			b.logger.Warn("shards did not stop in time")
		}
	}

	shutdownErr := b.gracefulShutdown()
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (b *Bot) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (b *Bot) closeStore() {
	if b.store != nil {
		_ = b.store.Close()
	}
}

// Shutdown stops the HTTP server, cancels live waits, stops the dedupe
// janitor, and closes the store. Later calls return the first result.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.logger.Info("shutting down bot")

		var errs []error
		if b.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", b.httpServer.Shutdown(ctx))
		}
		b.waits.Close()
		b.dedupe.Close()
		if b.store != nil {
			errs = appendCloseError(errs, "store close", b.store.Close())
		}

		if len(errs) > 0 {
			b.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return b.shutdownErr
}
