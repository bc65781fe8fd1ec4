package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/agentsync/engine"
	"github.com/alexjbarnes/agentsync/internal/config"
	"github.com/alexjbarnes/agentsync/internal/logging"
	"github.com/alexjbarnes/agentsync/internal/state"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerWithLevel(cfg.Environment, cfg.LogLevel)
	logger.Info("agentsync starting",
		slog.String("version", Version),
		slog.String("host", cfg.ServerHost),
		slog.String("session_id", cfg.SessionID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Load(cfg.StateDir)
	if err != nil {
		// Degraded mode: the engine runs memory-only rather than
		// refusing to start on a corrupt state database.
		logger.Error("state db unavailable, running without durability",
			slog.String("error", err.Error()),
		)

		store = nil
	} else {
		defer store.Close()
	}

	eng, err := engine.New(engine.Config{
		Host:             cfg.ServerHost,
		Token:            cfg.Token,
		SessionID:        cfg.SessionID,
		Device:           cfg.DeviceName,
		ActionStaleAfter: cfg.ActionStaleAfter,
		Store:            store,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	eng.OnEvent(func(ev engine.Event) {
		logEvent(logger, ev)
	})

	if err := eng.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer eng.Close()

		err := eng.Run(gctx)
		if errors.Is(err, engine.ErrConnectionReplaced) {
			logger.Error("another client took over the session; reconnect explicitly")
			return err
		}

		return err
	})

	return g.Wait()
}

// logEvent maps semantic events to log lines. A real consumer would
// route approval/question events to a notification layer instead.
func logEvent(logger *slog.Logger, ev engine.Event) {
	switch ev.Kind {
	case engine.EventStateChanged:
		logger.Info("connection state",
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
		)
	case engine.EventMessage:
		logger.Debug("stream event",
			slog.String("id", ev.Envelope.ID),
			slog.String("kind", ev.Envelope.Message.Type),
		)
	case engine.EventApprovalNeeded:
		logger.Info("approval needed",
			slog.String("request_id", ev.Envelope.Message.RequestID),
			slog.String("tool", ev.Envelope.Message.ToolName),
		)
	case engine.EventQuestionAsked:
		logger.Info("question asked",
			slog.String("request_id", ev.Envelope.Message.RequestID),
		)
	case engine.EventTaskCompleted:
		logger.Info("task completed", slog.String("reason", ev.Reason))
	case engine.EventTaskFailed:
		logger.Error("task failed", slog.String("error", errString(ev.Err)))
	case engine.EventTaskPaused:
		logger.Info("task paused", slog.String("reason", ev.Reason))
	case engine.EventActionAcked:
		logger.Info("action delivered", slog.String("id", ev.ActionID))
	case engine.EventActionFailed:
		logger.Warn("action failed",
			slog.String("id", ev.ActionID),
			slog.String("reason", ev.Reason),
			slog.String("error", errString(ev.Err)),
		)
	default:
		logger.Debug("event", slog.String("kind", string(ev.Kind)), slog.String("detail", eventDetail(ev)))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func eventDetail(ev engine.Event) string {
	detail, err := json.Marshal(map[string]string{
		"model":           ev.Model,
		"permission_mode": ev.PermissionMode,
		"reason":          ev.Reason,
	})
	if err != nil {
		return ""
	}

	return string(detail)
}
