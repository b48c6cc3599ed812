package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tether/internal/bridge"
	"github.com/nextlevelbuilder/tether/internal/bridge/discord"
	"github.com/nextlevelbuilder/tether/internal/bridge/telegram"
	"github.com/nextlevelbuilder/tether/internal/config"
	"github.com/nextlevelbuilder/tether/internal/external"
	"github.com/nextlevelbuilder/tether/internal/httpapi"
	"github.com/nextlevelbuilder/tether/internal/maintenance"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/runner/anthropicbackend"
	"github.com/nextlevelbuilder/tether/internal/runner/cliexecbackend"
	"github.com/nextlevelbuilder/tether/internal/runner/sidecarbackend"
	"github.com/nextlevelbuilder/tether/internal/runnerevents"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
	"github.com/nextlevelbuilder/tether/internal/store/pg"
	"github.com/nextlevelbuilder/tether/internal/store/sqlite"
	"github.com/nextlevelbuilder/tether/internal/tools"
	"github.com/nextlevelbuilder/tether/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Engine == "postgres" {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	return sqlite.Open(config.ExpandHome(cfg.Database.SQLitePath))
}

// buildRunners constructs one runner.Runner per configured backend,
// keyed by adapter name, all sharing the same event sink and tool bridge.
// The Runner's Loop holds a single Backend field, so a distinct Loop (and
// therefore a distinct Runner) is built per adapter rather than trying to
// make one Runner serve every backend type.
func buildRunners(cfg *config.Config, st store.Store, locks *statemachine.Locks, events runner.EventSink, toolExec runner.ToolExecutor, tracer *tracing.Tracer) map[string]*runner.Runner {
	runners := make(map[string]*runner.Runner)
	tracedTools := tracing.WrapToolExecutor(tracer, toolExec)

	if cfg.Backends.Anthropic.APIKey != "" {
		opts := []anthropicbackend.Option{}
		if cfg.Backends.Anthropic.Model != "" {
			opts = append(opts, anthropicbackend.WithModel(cfg.Backends.Anthropic.Model))
		}
		if cfg.Backends.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicbackend.WithBaseURL(cfg.Backends.Anthropic.BaseURL))
		}
		backend := tracing.WrapBackend(tracer, "anthropic", cfg.Backends.Anthropic.Model, anthropicbackend.New(st, cfg.Backends.Anthropic.APIKey, opts...))
		loop := &runner.Loop{Backend: backend, Tools: tracedTools, Events: events, Sessions: events.(runner.SessionView)}
		runners["anthropic"] = runner.NewRunner(loop, locks)
	}

	if cfg.Backends.Sidecar.BaseURL != "" {
		backend := tracing.WrapBackend(tracer, "sidecar", "", sidecarbackend.New(st, cfg.Backends.Sidecar.BaseURL, map[string]interface{}{"title": "sidecar session"}))
		loop := &runner.Loop{Backend: backend, Tools: tracedTools, Events: events, Sessions: events.(runner.SessionView)}
		runners["sidecar"] = runner.NewRunner(loop, locks)
	}

	if cfg.Backends.CLIExec.Command != "" {
		backend := tracing.WrapBackend(tracer, "cli_exec", cfg.Backends.CLIExec.Command, cliexecbackend.New(st, cfg.Backends.CLIExec.Command, cfg.Backends.CLIExec.Args, map[string]interface{}{"title": "cli session"}))
		loop := &runner.Loop{Backend: backend, Tools: tracedTools, Events: events, Sessions: events.(runner.SessionView)}
		runners["cli_exec"] = runner.NewRunner(loop, locks)
	}

	return runners
}

// claudeProjectsDir resolves Claude Code's on-disk rollout directory under
// the user's home. Returns ok=false if the home directory can't be resolved;
// a missing directory itself is not an error here, just nothing to watch
// or discover yet.
func claudeProjectsDir() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return home + "/.claude/projects", true
}

// buildExternalRegistry wires the one concrete discoverer this gateway
// ships (Claude Code's on-disk rollout format) against the user's home
// directory. Missing ~/.claude/projects is not an error: List/Detail calls
// simply return no sessions until it exists.
func buildExternalRegistry() *external.Registry {
	dir, ok := claudeProjectsDir()
	if !ok {
		return external.NewRegistry()
	}
	return external.NewRegistry(external.NewClaudeCodeDiscoverer(dir))
}

// watchExternalSessions watches the Claude Code rollout directory and
// triggers a resync of every attached session shortly after any write,
// so /sessions/{id}/sync is a manual fallback rather than the only way
// to pick up new rollout content. Changes are coalesced behind a short
// debounce since a single assistant turn touches a rollout file in
// several quick writes.
func watchExternalSessions(ctx context.Context, srv *httpapi.Server) {
	dir, ok := claudeProjectsDir()
	if !ok {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		return
	}

	changed := make(chan struct{}, 1)
	w, err := external.NewWatcher(dir, func(string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		slog.Warn("serve: could not watch external sessions directory", "dir", dir, "error", err)
		return
	}
	go w.Run(ctx)

	go func() {
		debounce := time.NewTimer(time.Hour)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				debounce.Reset(500 * time.Millisecond)
			case <-debounce.C:
				srv.SyncExternalSessions(ctx)
			}
		}
	}()
}

// buildBridges constructs one bridge.Bridge per enabled, tokened platform
// in cfg.Bridges. A platform with Enabled false or an empty token is
// skipped rather than erroring, so serve can run with zero, one, or both
// bridges configured.
func buildBridges(cfg *config.Config, pairing *config.PairingTable, inbox *bridge.Inbox) map[string]bridge.Bridge {
	built := map[string]bridge.Bridge{}

	if cfg.Bridges.Telegram.Enabled && cfg.Bridges.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Bridges.Telegram, pairing, inbox)
		if err != nil {
			slog.Error("serve: could not build telegram bridge", "error", err)
		} else {
			built["telegram"] = tg
		}
	}

	if cfg.Bridges.Discord.Enabled && cfg.Bridges.Discord.Token != "" {
		dc, err := discord.New(cfg.Bridges.Discord, pairing, inbox)
		if err != nil {
			slog.Error("serve: could not build discord bridge", "error", err)
		} else {
			built["discord"] = dc
		}
	}

	return built
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	locks := &statemachine.Locks{}
	events := runnerevents.New(st, locks)

	toolExecutor := tools.NewExecutor(func(sessionID string) (string, bool) {
		return st.GetWorkdir(sessionID)
	})
	toolBridge := &runner.ToolBridge{Executor: toolExecutor}

	tracer, shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	runners := buildRunners(cfg, st, locks, events, toolBridge, tracer)

	defaultAdapter := cfg.Gateway.Adapter
	if defaultAdapter == "" {
		for name := range runners {
			defaultAdapter = name
			break
		}
	}

	pairing, err := config.LoadPairingTable(cfg.Bridges.PairingFile)
	if err != nil {
		slog.Warn("serve: could not load bridge pairing table", "error", err)
		pairing = &config.PairingTable{}
	}

	activeBridges := map[string]bridge.Bridge{}
	bridgeRouter := bridge.NewRouter(st, activeBridges)

	externalRegistry := buildExternalRegistry()

	srv := httpapi.NewServer(httpapi.Config{
		Store:          st,
		Runners:        runners,
		DefaultAdapter: defaultAdapter,
		Bridges:        bridgeRouter,
		Locks:          locks,
		External:       externalRegistry,
		Version:        Version,
		Token:          cfg.Gateway.Token,
		DevMode:        cfg.Gateway.DevMode,
	})

	inbox := bridge.NewInbox(st, srv)
	builtBridges := buildBridges(cfg, pairing, inbox)
	for name, br := range builtBridges {
		activeBridges[name] = br
	}

	mnt := maintenance.New(st, locks, maintenance.Options{
		RetentionDays: cfg.Sessions.RetentionDays,
		IdleTimeout:   time.Duration(cfg.Sessions.IdleSeconds) * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mnt.Run(ctx)
	watchExternalSessions(ctx, srv)

	for name, br := range builtBridges {
		if err := br.Start(ctx); err != nil {
			slog.Error("serve: bridge failed to start", "bridge", name, "error", err)
			continue
		}
		defer func(b bridge.Bridge) {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = b.Stop(stopCtx)
		}(br)
	}

	addr := cfg.Gateway.Host + ":" + strconv.Itoa(cfg.Gateway.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve: listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		slog.Info("serve: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
