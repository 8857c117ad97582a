package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	appcfg "github.com/kapu/osu-rivals-bot/internal/config"
	"github.com/kapu/osu-rivals-bot/internal/discord"
	"github.com/kapu/osu-rivals-bot/internal/ledger"
	"github.com/kapu/osu-rivals-bot/internal/msgcat"
	"github.com/kapu/osu-rivals-bot/internal/obslog"
	"github.com/kapu/osu-rivals-bot/internal/rating"
	"github.com/kapu/osu-rivals-bot/internal/rival"
	"github.com/kapu/osu-rivals-bot/internal/rivalstore"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}

	texts, err := msgcat.New(os.Getenv("MESSAGES_DIR"))
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	var (
		store   rival.Store
		dir     rival.Directory
		closers []io.Closer
	)
	switch cfg.StoreBackend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rs, rerr := rivalstore.NewRedisStoreURL(ctx, cfg.RedisURL)
		cancel()
		if rerr != nil {
			log.Fatalf("redis store init error: %v", rerr)
		}
		store, dir = rs, rs
		closers = append(closers, rs)
	default:
		ps, perr := rivalstore.NewPostgresStore(cfg.DatabaseURL)
		if perr != nil {
			log.Fatalf("postgres store init error: %v", perr)
		}
		store, dir = ps, ps
		closers = append(closers, ps)
	}

	points, err := ledger.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("ledger init error: %v", err)
	}
	closers = append(closers, points)

	var ratingOpts []rating.Option
	if cfg.OsuAPIURL != "" {
		ratingOpts = append(ratingOpts, rating.WithBaseURL(cfg.OsuAPIURL))
	}
	osu, err := rating.NewOsuClient(cfg.OsuClientID, cfg.OsuClientSecret, ratingOpts...)
	if err != nil {
		log.Fatalf("osu client init error: %v", err)
	}

	rest, err := discord.NewClient(cfg.DiscordToken)
	if err != nil {
		log.Fatalf("discord client init error: %v", err)
	}
	prompter := discord.NewPrompter(rest, texts)
	announcer := discord.NewChannelAnnouncer(rest, cfg.ResultsChannelID)

	coord := rival.NewCoordinator(store, dir, osu, prompter, announcer, texts)
	settler := rival.NewSettler(store, points, announcer, texts)
	monitor := rival.NewMonitor(store, osu, settler, coord,
		time.Duration(cfg.MonitorIntervalSec)*time.Second,
		time.Duration(cfg.ChallengeTimeoutSec)*time.Second,
	)

	gateway := discord.NewGateway(cfg.DiscordGatewayURL, cfg.DiscordToken,
		func(ctx context.Context, ev rival.Event, interactionID, interactionToken string) {
			// Button handlers run off the read loop.
			go func() {
				hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				if err := rest.AckInteraction(hctx, interactionID, interactionToken); err != nil {
					obslog.L().Warn("interaction_ack_error", zap.Error(err))
				}
				if _, err := coord.HandleEvent(hctx, ev); err != nil {
					if errors.Is(err, rival.ErrNoLongerAvailable) {
						obslog.L().Info("challenge_already_resolved",
							zap.String("challenge_id", ev.ChallengeID))
						return
					}
					obslog.L().Warn("challenge_event_error",
						zap.String("challenge_id", ev.ChallengeID),
						zap.String("action", string(ev.Action)),
						zap.Error(err),
					)
				}
			}()
		})

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := gateway.Connect(cctx); err != nil {
		cancel()
		log.Fatalf("gateway connect error: %v", err)
	}
	cancel()

	monitor.Start()
	obslog.L().Info("rivals_bot_started",
		zap.String("store_backend", cfg.StoreBackend),
		zap.Int("monitor_interval_sec", cfg.MonitorIntervalSec),
		zap.Int("challenge_timeout_sec", cfg.ChallengeTimeoutSec),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	monitor.Close()
	shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = gateway.Close(shctx)
	shcancel()
	for _, c := range closers {
		_ = c.Close()
	}
}
