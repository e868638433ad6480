// Package app wires every component into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"soulchat/internal/allocator"
	"soulchat/internal/api"
	"soulchat/internal/auth"
	"soulchat/internal/chat"
	"soulchat/internal/classifier"
	"soulchat/internal/config"
	"soulchat/internal/crisis"
	"soulchat/internal/database"
	"soulchat/internal/hub"
	"soulchat/internal/metrics"
	"soulchat/internal/notify"
	"soulchat/internal/session"
	"soulchat/internal/websocket"
	pkgdatabase "soulchat/pkg/database"
	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

// Application coordinates all system components.
type Application struct {
	config      *config.Config
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	store       *database.Manager
	notifier    *notify.SlackNotifier
	sessions    *session.Registry
	connections *websocket.Registry
	messageHub  *hub.Hub
	coordinator *crisis.Coordinator
	chat        *chat.Service
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds every component. Initialization order:
// store → registries → hub → coordinator → chat → HTTP.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	policy, err := crisis.ParsePolicy(cfg.Crisis.Policy)
	if err != nil {
		return nil, err
	}

	lexicon := classifier.DefaultLexicon()
	if cfg.Chat.LexiconPath != "" {
		if lexicon, err = classifier.LoadLexicon(cfg.Chat.LexiconPath); err != nil {
			return nil, err
		}
	}

	app := &Application{config: cfg, logger: logger}
	clock := types.SystemClock()

	if cfg.Metrics.Enabled {
		app.metrics = metrics.New()
	}

	var listeners []interfaces.CrisisListener
	if app.metrics != nil {
		listeners = append(listeners, app.metrics)
	}

	// STEP 1: incident store (optional)
	if cfg.Database.Enabled {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Database.Path
		dbConfig.WriteTimeout = cfg.Database.Timeout
		app.store, err = database.NewManager(dbConfig, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize incident store: %w", err)
		}
		listeners = append(listeners, app.store)
	}

	// STEP 2: responder notifications (optional)
	if cfg.Slack.WebhookURL != "" {
		app.notifier = notify.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Timeout, logger)
		listeners = append(listeners, app.notifier)
	}

	// STEP 3: session and connection registries, hub, coordinator
	app.sessions = session.NewRegistry(allocator.New(cfg.Chat.GroupCapacity, clock), clock, logger)
	app.connections = websocket.NewRegistry()
	app.messageHub = hub.NewHub(app.sessions, app.connections, app.metrics, cfg.Chat.EventBuffer, clock, logger)
	app.coordinator = crisis.NewCoordinator(crisis.Options{
		Policy:         policy,
		Duration:       cfg.Crisis.Duration,
		FreezeDuration: cfg.Crisis.FreezeDuration,
		SweepInterval:  cfg.Crisis.SweepInterval,
	}, app.sessions, app.messageHub, clock, logger, listeners...)

	// STEP 4: inbound operations
	app.chat = chat.NewService(app.sessions, classifier.New(lexicon), app.coordinator, app.messageHub, app.metrics, clock,
		chat.Options{MaxMessageRunes: cfg.Chat.MaxMessageRunes}, logger)

	// STEP 5: HTTP surface
	wsHandler := websocket.NewHandler(app.connections, app.chat, websocket.HandlerOptions{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		ReadLimit:      cfg.WebSocket.ReadLimit,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger)

	deps := api.Dependencies{
		Directory:   app.chat,
		Crisis:      app.coordinator,
		Connections: app.connections,
		WebSocket:   http.HandlerFunc(wsHandler.HandleWebSocket),
		Clock:       clock,
	}
	if app.store != nil {
		deps.Incidents = app.store
	}
	if app.metrics != nil {
		deps.Metrics = app.metrics.Handler()
	}
	if cfg.Auth.JWTSecret != "" {
		deps.Validator = auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("no operator JWT secret configured, operator endpoints disabled")
	}
	app.apiServer = api.NewServer(deps, logger)

	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Start listens on the configured address and begins serving.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.StartOn(ctx, ln)
}

// StartOn starts background components and serves on ln.
// Crisis state does not survive a restart, so incidents left open by a
// previous process are closed first.
func (app *Application) StartOn(ctx context.Context, ln net.Listener) error {
	if app.store != nil {
		closed, err := app.store.CloseOpenIncidents(ctx, database.ReasonShutdown)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to close stale incidents: %w", err)
		}
		if closed > 0 {
			app.logger.Warn().Int64("incidents", closed).Msg("closed incidents left open by a previous run")
		}
	}

	if err := app.messageHub.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	if err := app.coordinator.Start(ctx); err != nil {
		_ = app.messageHub.Stop()
		_ = ln.Close()
		return fmt.Errorf("failed to start crisis coordinator: %w", err)
	}

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	serveErr := app.serveErr
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(serveErr)
	}()

	app.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("crisis_policy", string(app.coordinator.Policy())).
		Msg("soulchat started")
	return nil
}

// Errors reports a fatal serve error. The channel closes when serving stops.
func (app *Application) Errors() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse dependency order: HTTP → sockets →
// coordinator → hub → notifier → store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down soulchat")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Hijacked sockets are not closed by Shutdown.
	app.connections.CloseAll()

	if err := app.coordinator.Stop(); err != nil && !errors.Is(err, crisis.ErrCoordinatorNotRunning) {
		errs = append(errs, fmt.Errorf("coordinator stop: %w", err))
	}
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}

	if app.notifier != nil {
		app.notifier.Wait()
	}

	if app.store != nil {
		if _, err := app.store.CloseOpenIncidents(ctx, database.ReasonShutdown); err != nil {
			errs = append(errs, fmt.Errorf("close open incidents: %w", err))
		}
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	app.logger.Info().Msg("soulchat shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound address once started, or the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
