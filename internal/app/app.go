// Package app wires all subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main loops, and Shutdown tears everything
// down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithBridge, WithProvider, WithTransport). When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lifeos-labs/lifeos-agent/internal/bridge"
	"github.com/lifeos-labs/lifeos-agent/internal/checkpoint"
	"github.com/lifeos-labs/lifeos-agent/internal/config"
	"github.com/lifeos-labs/lifeos-agent/internal/engine"
	"github.com/lifeos-labs/lifeos-agent/internal/health"
	"github.com/lifeos-labs/lifeos-agent/internal/prompts"
	"github.com/lifeos-labs/lifeos-agent/internal/telegram"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm/anyllm"
)

// shutdownGrace bounds how long the diagnostics server may take to drain
// during Shutdown when the caller's context has no deadline of its own.
const shutdownGrace = 10 * time.Second

// ToolBridge is the tool-server surface the application depends on.
// Implemented by [bridge.Bridge].
type ToolBridge interface {
	Initialize(ctx context.Context) ([]llm.ToolDefinition, error)
	Call(ctx context.Context, name, args string) (string, error)
	Close() error
}

// Transport is the chat frontend surface. Implemented by [telegram.Bot].
type Transport interface {
	Run(ctx context.Context) error
	Close()
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider  llm.Provider
	store     checkpoint.Store
	bridge    ToolBridge
	engine    *engine.Engine
	transport Transport
	srv       *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a model provider instead of creating one from config.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStore injects a checkpoint store instead of creating one from config.
func WithStore(s checkpoint.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBridge injects a tool bridge instead of creating one from config.
func WithBridge(b ToolBridge) Option {
	return func(a *App) { a.bridge = b }
}

// WithTransport injects a chat transport instead of connecting to Telegram.
func WithTransport(t Transport) Option {
	return func(a *App) { a.transport = t }
}

// New creates an App by wiring all subsystems together: model provider,
// checkpoint store, tool bridge (including the MCP handshake), conversation
// engine, chat transport, and the optional diagnostics server. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	tools, err := a.initBridge(ctx)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}
	if err := a.initEngine(tools); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	if err := a.initTransport(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	a.initDiagnostics()

	return a, nil
}

// initProvider builds the model backend from config unless one was injected.
func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	var llmOpts []anyllmlib.Option
	if a.cfg.Model.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(a.cfg.Model.APIKey))
	}
	if a.cfg.Model.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(a.cfg.Model.BaseURL))
	}
	p, err := anyllm.New(a.cfg.Model.Provider, a.cfg.Model.Name, llmOpts...)
	if err != nil {
		return err
	}
	a.provider = p
	slog.Info("model provider created",
		"provider", a.cfg.Model.Provider, "model", a.cfg.Model.Name)
	return nil
}

// initStore selects PostgreSQL when a DSN is configured, otherwise the
// in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if dsn := a.cfg.Checkpoint.PostgresDSN; dsn != "" {
		store, err := checkpoint.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		slog.Info("checkpoint store connected", "backend", "postgres")
	} else {
		a.store = checkpoint.NewMemoryStore()
		slog.Info("checkpoint store created", "backend", "memory")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initBridge connects to the MCP tool server and returns the discovered tool
// definitions.
func (a *App) initBridge(ctx context.Context) ([]llm.ToolDefinition, error) {
	if a.bridge == nil {
		a.bridge = bridge.New(bridge.Config{
			Transport:        a.cfg.Bridge.Transport,
			Command:          a.cfg.Bridge.Command,
			URL:              a.cfg.Bridge.URL,
			Token:            a.cfg.Bridge.Token,
			HandshakeTimeout: a.cfg.Bridge.HandshakeTimeout.Std(),
			Env:              a.cfg.Bridge.Env,
		})
	}
	tools, err := a.bridge.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.bridge.Close)
	slog.Info("tool bridge initialised", "tools", len(tools))
	return tools, nil
}

func (a *App) initEngine(tools []llm.ToolDefinition) error {
	pb, err := prompts.NewBuilder(prompts.DatabaseIDs{
		Area:     a.cfg.Workspace.AreaDB,
		Project:  a.cfg.Workspace.ProjectDB,
		Task:     a.cfg.Workspace.TaskDB,
		Habit:    a.cfg.Workspace.HabitDB,
		HabitLog: a.cfg.Workspace.HabitLogDB,
	})
	if err != nil {
		return err
	}

	engOpts := []engine.Option{
		engine.WithTemperature(a.cfg.Model.Temperature),
		engine.WithMaxTokens(a.cfg.Model.MaxTokens),
		engine.WithProviderID(a.cfg.Model.Provider),
	}
	if a.cfg.Agent.MaxTurns > 0 {
		engOpts = append(engOpts, engine.WithMaxTurns(a.cfg.Agent.MaxTurns))
	}
	a.engine = engine.New(a.provider, a.bridge, tools, a.store, pb, engOpts...)
	return nil
}

func (a *App) initTransport() error {
	if a.transport != nil {
		return nil
	}
	bot, err := telegram.New(telegram.Config{
		Token:        a.cfg.Telegram.Token,
		EditInterval: a.cfg.Agent.EditInterval.Std(),
	}, a.engine)
	if err != nil {
		return err
	}
	a.transport = bot
	return nil
}

// initDiagnostics builds the /metrics, /healthz and /readyz server when
// server.listen_addr is configured.
func (a *App) initDiagnostics() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name: "checkpoints",
		Check: func(ctx context.Context) error {
			_, err := a.store.Load(ctx, "healthcheck")
			return err
		},
	}).Register(mux)
	a.srv = &http.Server{Addr: addr, Handler: mux}
}

// Engine returns the conversation engine, for tests and embedding callers.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the diagnostics server (if configured) and the chat transport,
// blocking until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.srv != nil {
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", a.srv.Addr)
			if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return a.srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.transport.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops the transport and closes all subsystems in reverse
// initialisation order. Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.transport != nil {
			a.transport.Close()
		}
		if a.srv != nil {
			if e := a.srv.Shutdown(ctx); e != nil && !errors.Is(e, http.ErrServerClosed) {
				err = errors.Join(err, e)
			}
		}
		err = errors.Join(err, a.closeAll())
	})
	return err
}

// closeAll runs the registered closers in reverse order.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
