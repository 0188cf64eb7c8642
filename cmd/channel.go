package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mymmrac/telego"

	"github.com/brewva/brewva/internal/approval"
	"github.com/brewva/brewva/internal/bus"
	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/ingress"
	"github.com/brewva/brewva/internal/orchestrator"
	"github.com/brewva/brewva/internal/projector"
	"github.com/brewva/brewva/internal/registry"
	"github.com/brewva/brewva/internal/runtime"
	"github.com/brewva/brewva/internal/telegram"
	"github.com/brewva/brewva/internal/tracing"
	"github.com/brewva/brewva/internal/wal"
)

// discardSender drops outbound requests. Used when no channel transport is
// configured so the pipeline stays runnable.
type discardSender struct{}

func (discardSender) Send(_ context.Context, requests []projector.OutboundRequest) error {
	slog.Debug("no transport configured, outbound dropped", "requests", len(requests))
	return nil
}

func runChannel() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tracing.Init(cfg.Telemetry)

	stateDir := cfg.ChannelStateDir()
	for _, dir := range []string{cfg.WorkspacePath(), stateDir, cfg.AgentsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("cannot create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	reg, err := registry.Open(filepath.Join(stateDir, "agent-registry.json"), cfg.AgentsDir())
	if err != nil {
		slog.Error("cannot open agent registry", "error", err)
		os.Exit(1)
	}

	pool, err := runtime.NewPool(runtime.PoolOptions{
		Kind:       cfg.Runtime.Kind,
		MaxLive:    cfg.Runtime.MaxLiveRuntimes,
		IdleTTL:    time.Duration(cfg.Runtime.IdleRuntimeTTLMs) * time.Millisecond,
		AgentsDir:  cfg.AgentsDir(),
		BaseConfig: cfg.Runtime.Base,
	})
	if err != nil {
		slog.Error("cannot build runtime pool", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var log *wal.Log
	if cfg.TurnWal.WalEnabled() {
		log, err = wal.Open(cfg.TurnWalDir(), projector.ChannelName)
		if err != nil {
			slog.Error("cannot open turn wal", "error", err)
			os.Exit(1)
		}
		defer log.Close()
		log.StartCompaction(ctx.Done(), time.Duration(cfg.TurnWal.CompactAfterMs)*time.Millisecond)
	}

	states := approval.NewStateStore(
		filepath.Join(stateDir, "approval-state.json"),
		filepath.Join(stateDir, "approval-state"), 0,
	)
	routes := approval.NewRoutingStore(filepath.Join(stateDir, "approval-routing.json"), 0)

	// The transport and the orchestrator reference each other: updates flow
	// transport → orchestrator, replies flow back. Break the cycle with a
	// late-bound handler.
	var orch *orchestrator.Orchestrator
	var transport *telegram.Transport
	var sender orchestrator.Sender = discardSender{}

	if cfg.Telegram.Enabled {
		transport, err = telegram.New(cfg.Telegram, func(ctx context.Context, update telego.Update) {
			orch.HandleUpdate(ctx, update)
		})
		if err != nil {
			slog.Error("cannot build telegram transport", "error", err)
			os.Exit(1)
		}
		sender = transport
	}

	orch = orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Registry:  reg,
		Pool:      pool,
		Wal:       log,
		States:    states,
		Routing:   routes,
		Transport: sender,
		Events:    bus.NewPublisher(),
	})
	orch.Start(ctx)

	pool.StartSweeper(ctx, time.Duration(cfg.Runtime.SweepIntervalMs)*time.Millisecond)

	if transport != nil {
		if err := transport.Start(ctx); err != nil {
			slog.Error("cannot start telegram transport", "error", err)
			os.Exit(1)
		}
	}

	var ingressSrv *ingress.Server
	if cfg.Ingress.Enabled {
		ingressSrv = ingress.NewServer(ingress.Options{
			Host:         cfg.Ingress.Host,
			Port:         cfg.Ingress.Port,
			Path:         cfg.Ingress.Path,
			MaxBodyBytes: cfg.Ingress.MaxBodyBytes,
			AuthMode:     cfg.Ingress.AuthMode,
			BearerToken:  cfg.Ingress.BearerToken,
			HMACSecret:   cfg.Ingress.HMACSecret,
			MaxSkewMs:    cfg.Ingress.HMACMaxSkewMs,
			NonceTTLMs:   cfg.Ingress.NonceTTLMs,
			DedupeKey:    projector.DedupeKeyFromBody,
			OnUpdate: func(ctx context.Context, body []byte, _ string) error {
				return orch.HandleWebhookBody(ctx, body)
			},
		})
		if err := ingressSrv.Start(ctx); err != nil {
			slog.Error("cannot start ingress server", "error", err)
			os.Exit(1)
		}
		slog.Info("webhook ingress listening", "addr", ingressSrv.Addr(), "path", cfg.Ingress.Path)
	}

	slog.Info("brewva channel orchestrator running",
		"workspace", cfg.WorkspacePath(),
		"telegram", cfg.Telegram.Enabled,
		"ingress", cfg.Ingress.Enabled,
		"runtime_kind", cfg.Runtime.Kind,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Orchestrator.GracefulTimeoutMs)*time.Millisecond)
	defer cancel()

	if transport != nil {
		transport.Stop(shutdownCtx)
	}
	if ingressSrv != nil {
		ingressSrv.Shutdown(shutdownCtx)
	}
	orch.Shutdown(shutdownCtx)
	pool.Close(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		slog.Warn("trace exporter shutdown failed", "error", err)
	}
}
