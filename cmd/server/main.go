package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callsession/internal/adapters/capture"
	router "github.com/dkeye/callsession/internal/adapters/http"
	"github.com/dkeye/callsession/internal/adapters/platform"
	signalws "github.com/dkeye/callsession/internal/adapters/signal"
	"github.com/dkeye/callsession/internal/app"
	"github.com/dkeye/callsession/internal/app/quality"
	"github.com/dkeye/callsession/internal/app/session"
	"github.com/dkeye/callsession/internal/app/tiles"
	"github.com/dkeye/callsession/internal/config"
	"github.com/dkeye/callsession/internal/domain"
	"github.com/dkeye/callsession/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	lock, closeLock, err := sessionLock(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up session lock")
	}
	defer closeLock()

	reg := app.NewRegistry(connectionFactory(cfg), lock, cfg.Redis.ClaimTTL, nil)
	ctrl := signalws.NewSignalWSController(reg, signalws.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    signalws.NewJoinLimiter(cfg.Signal.JoinLimit, cfg.Signal.JoinWindow, nil),
	})

	r := router.SetupRouter(ctx, cfg, reg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("call session server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.Log) {
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func sessionLock(ctx context.Context, cfg config.Redis) (store.SessionLock, func(), error) {
	if !cfg.Enabled {
		return store.NewMemoryLock(nil), func() {}, nil
	}
	rl, err := store.NewRedisLock(ctx, store.RedisOptions{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: "callsession",
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "store").Str("addr", cfg.Addr).Msg("session claims in redis")
	return rl, func() {
		if err := rl.Close(); err != nil {
			log.Warn().Err(err).Str("module", "store").Msg("redis close")
		}
	}, nil
}

func connectionFactory(cfg *config.Config) app.ConnectionFactory {
	inventory := capture.Inventory{
		Microphones: cfg.Devices.Microphones,
		Cameras:     cfg.Devices.Cameras,
		Speakers:    cfg.Devices.Speakers,
		Busy:        cfg.Devices.Busy,
		Deny:        cfg.Devices.Deny,

		FrameInterval: cfg.Devices.FrameInterval,
	}
	sessionCfg := session.DefaultConfig()
	sessionCfg.Tiles = tiles.RetryPolicy{MaxAttempts: cfg.Tiles.MaxAttempts, Interval: cfg.Tiles.Interval}
	sessionCfg.Reconnect = session.ReconnectPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		MinBackoff:  cfg.Reconnect.MinBackoff,
		MaxBackoff:  cfg.Reconnect.MaxBackoff,
	}
	sessionCfg.Quality = quality.Thresholds{
		FairLatency: cfg.Quality.FairLatency,
		PoorLatency: cfg.Quality.PoorLatency,
		FairLoss:    cfg.Quality.FairLoss,
		PoorLoss:    cfg.Quality.PoorLoss,
	}
	sessionCfg.QualityInterval = cfg.Quality.Interval

	return func(user *domain.User) (*session.Connection, error) {
		client := platform.NewClient(platform.Options{
			URL:         cfg.Platform.URL,
			DialTimeout: cfg.Platform.DialTimeout,
			WebRTC:      platform.DefaultWebRTCConfig(cfg.Platform.ICEServers),
		})
		return session.NewConnection(user, sessionCfg, session.Deps{
			Transport: client,
			Media:     capture.NewDevices(inventory),
		}), nil
	}
}
