package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/state"
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

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.Bool("push", cfg.PushHost != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.SetToken(cfg.Token); err != nil {
		logger.Warn("caching token", slog.String("error", err.Error()))
	}

	client := chat.NewClient(cfg.APIBaseURL, cfg.Token, nil)

	coord := chat.New(chat.Config{
		SelfID:            cfg.UserID,
		Query:             client,
		PushHost:          cfg.PushHost,
		Token:             cfg.Token,
		Device:            cfg.DeviceName,
		Sessions:          appState,
		DeleteConfirmWait: time.Duration(cfg.DeleteConfirmWaitSeconds) * time.Second,
	}, logger)

	if err := coord.Open(ctx); err != nil {
		return fmt.Errorf("opening sync core: %w", err)
	}
	defer coord.Close()

	if open := startupConversation(cfg, appState); open != "" {
		if err := coord.OpenConversation(ctx, open); err != nil {
			logger.Warn("opening conversation",
				slog.String("conversation_id", open),
				slog.String("error", err.Error()),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return followChanges(gctx, coord, logger)
	})

	g.Go(func() error {
		return followNotices(gctx, coord, logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("chat-sync stopped")

	return nil
}

// startupConversation picks the conversation to open at launch: the
// configured one, else the last one open when the client previously ran.
func startupConversation(cfg *config.Config, appState *state.State) string {
	if cfg.OpenConversation != "" {
		return cfg.OpenConversation
	}

	ss, err := appState.GetSession(cfg.UserID)
	if err != nil {
		return ""
	}

	return ss.LastOpenConversation
}

// followChanges logs the read model after every store change. This is the
// headless stand-in for a presentation layer: it only reads.
func followChanges(ctx context.Context, coord *chat.Coordinator, logger *slog.Logger) error {
	store := coord.Store()

	ch, _ := store.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		convs := store.Conversations()
		logger.Info("state changed",
			slog.Int("conversations", len(convs)),
			slog.String("channel", coord.ChannelState().String()),
		)

		if open := coord.OpenConversationID(); open != "" {
			msgs := store.Messages(open)
			logger.Info("open conversation",
				slog.String("conversation_id", open),
				slog.Int("messages", len(msgs)),
				slog.String("preview", store.Preview(open)),
			)
		}
	}
}

// followNotices logs one-shot notices as they surface.
func followNotices(ctx context.Context, coord *chat.Coordinator, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-coord.Notices():
			switch n.Kind {
			case chat.NoticeRemovedFromConversation:
				logger.Info("removed from conversation",
					slog.String("conversation_id", n.ConversationID),
				)
			}
		}
	}
}
