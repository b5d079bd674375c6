package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/genrebot/internal/api"
	"github.com/MikeSquared-Agency/genrebot/internal/config"
	"github.com/MikeSquared-Agency/genrebot/internal/deadletter"
	"github.com/MikeSquared-Agency/genrebot/internal/hermes"
	"github.com/MikeSquared-Agency/genrebot/internal/irc"
	"github.com/MikeSquared-Agency/genrebot/internal/matcher"
	"github.com/MikeSquared-Agency/genrebot/internal/processor"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
	"github.com/MikeSquared-Agency/genrebot/internal/scheduler"
	"github.com/MikeSquared-Agency/genrebot/internal/slack"
	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

const lockFileName = "genrebot.lock"

var errAlreadyRunning = errors.New("another genrebot instance holds the data directory lock")

func newRunCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to IRC and reconcile genre announces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.config()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, slog.Default())
		},
	}
}

// acquireLock takes the single-instance lock in dataDir.
func acquireLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errAlreadyRunning
	}
	return lock, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("genrebot starting", "server", cfg.IRCServer, "monitor", cfg.MonitorChannel, "announcer", cfg.AnnouncerNick)

	lock, err := acquireLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	// Catalog
	db, err := store.New(ctx, cfg.DatabaseURL, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("connect catalog: %w", err)
	}
	defer db.Close()
	logger.Info("catalog connected", "table", cfg.Catalog.Table)

	dl, err := deadletter.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open dead-letter queue: %w", err)
	}
	defer dl.Close()

	// NATS/Hermes (optional)
	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer hermesClient.Close()
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS not configured, outcomes will not be published")
	}

	// Slack mirror (optional)
	var slackPoster *slack.Poster
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		slackPoster = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		logger.Info("slack mirror ready", "channel", cfg.SlackChannel)
	}

	// The IRC callback needs the processor and the processor's notifier needs
	// the IRC client, so proc is assigned below before Run starts either.
	var proc *processor.Processor
	ircClient := irc.NewClient(cfg.IRC(), func(sender, target, text string) {
		if !strings.EqualFold(target, cfg.MonitorChannel) {
			return
		}
		proc.HandleMessage(sender, text)
	}, logger.With("component", "irc"))

	// Stats lines go to Slack as a formatted summary instead of the raw line.
	channelNotifiers := reconcile.MultiNotifier{reconcile.LogNotifier{Logger: logger.With("component", "status")}}
	if cfg.LogChannel != "" {
		channelNotifiers = append(channelNotifiers, irc.Notifier{Client: ircClient, Channel: cfg.LogChannel, Logger: logger})
	}
	notifiers := append(reconcile.MultiNotifier{}, channelNotifiers...)
	if slackPoster != nil {
		notifiers = append(notifiers, slackPoster)
	}

	rec := reconcile.New(db, matcher.New(nil), notifiers, cfg.Policy(), logger.With("component", "reconcile"))
	proc = processor.New(cfg.AnnouncerNick, rec, cfg.QueueSize, logger.With("component", "processor")).
		WithDeadLetters(dl)

	if hermesClient != nil {
		proc.WithPublisher(hermesClient)
		if err := hermesClient.Subscribe(hermes.SubjectAnnounce, proc.HandleRelay); err != nil {
			return fmt.Errorf("subscribe announce relay: %w", err)
		}
	}

	// Replays run on the announce worker so they never race a live announce.
	retrier := deadletter.NewRetrier(dl, db, rec, cfg.DeadLetterMaxTries, logger.With("component", "deadletter")).
		WithSerializer(proc)

	sched := scheduler.New(logger.With("component", "scheduler"))
	if err := sched.Add("deadletter-retry", cfg.DeadLetterCron, func(ctx context.Context) error {
		sum, err := retrier.RetryAll(ctx)
		if errors.Is(err, deadletter.ErrSweepRunning) {
			logger.Info("dead-letter sweep already running, skipping")
			return nil
		}
		if err != nil {
			return err
		}
		if sum.Resolved+sum.Failed+sum.Dropped > 0 {
			logger.Info("dead-letter sweep", "resolved", sum.Resolved, "failed", sum.Failed, "dropped", sum.Dropped, "remaining", sum.Remaining)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Add("catalog-stats", cfg.StatsCron, func(ctx context.Context) error {
		st, err := db.Stats(ctx)
		if err != nil {
			return err
		}
		channelNotifiers.Notify(ctx, statsLine(st))
		if slackPoster != nil {
			return slackPoster.PostStats(ctx, st)
		}
		return nil
	}); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, api.Deps{
		Status:      proc,
		IRC:         ircClient,
		Catalog:     db,
		DeadLetters: dl,
		Retrier:     retrier,
		Jobs:        sched,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ircClient.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if hermesClient != nil {
		if err := hermesClient.Publish("swarm.agent.genrebot.registered", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
			"announcer": cfg.AnnouncerNick,
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	logger.Info("genrebot ready", "port", cfg.Port)
	err = g.Wait()
	logger.Info("genrebot stopped")
	return err
}
