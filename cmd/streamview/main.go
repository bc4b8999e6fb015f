package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/streamview/internal/adapters/http"
	"github.com/dkeye/streamview/internal/adapters/rtc"
	sig "github.com/dkeye/streamview/internal/adapters/signal"
	"github.com/dkeye/streamview/internal/app"
	"github.com/dkeye/streamview/internal/app/media"
	"github.com/dkeye/streamview/internal/app/orch"
	"github.com/dkeye/streamview/internal/config"
	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/pion/webrtc/v4"
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
	setupLogging(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("streamview stopped")
		os.Exit(1)
	}
	log.Info().Msg("streamview exited gracefully")
}

func setupLogging(c config.LogConfig) {
	if c.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	factory, err := rtc.NewFactory(rtc.Config{
		STUNServers: cfg.WebRTC.STUNServers,
		TURNServer:  cfg.WebRTC.TURNServer,
		TURNUser:    cfg.WebRTC.TURNUser,
		TURNPass:    cfg.WebRTC.TURNPass,
		ForceRelay:  cfg.WebRTC.ForceRelay,
		LogLevel:    zerolog.WarnLevel,
	})
	if err != nil {
		return err
	}

	o := orch.New(options(cfg), factory.New)
	defer o.Close()

	if from := domain.ChannelID(cfg.Publish.RestreamFrom); from != "" {
		wireRestream(o, from, cfg.Publish.Metadata)
	}

	url, err := sig.BuildURL(cfg.Signal.URL, cfg.Signal.Host, cfg.Signal.Path, cfg.Signal.TLS)
	if err != nil {
		return err
	}
	dial := sig.NewDialer(sig.Config{
		URL:          url,
		WriteTimeout: cfg.Signal.WriteTimeout,
		ReadLimit:    cfg.Signal.ReadLimit,
		SendBuffer:   cfg.Signal.SendBuffer,
	})
	runner := orch.NewRunner(o, dial, orch.ReconnectPolicy(cfg.Reconnect.Policy), orch.BackoffConfig{
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
		MaxElapsed:      cfg.Reconnect.MaxElapsed,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })

	if cfg.Status.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Status.Addr,
			Handler:           router.SetupRouter(cfg, o),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("module", "main").Str("addr", srv.Addr).Msg("status API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().Str("module", "main").Str("role", cfg.Role).Str("signal", url).Msg("streamview started")
	return g.Wait()
}

func options(cfg *config.Config) orch.Options {
	channels := make([]domain.ChannelID, 0, len(cfg.Policy.Channels))
	for _, c := range cfg.Policy.Channels {
		channels = append(channels, domain.ChannelID(c))
	}
	return orch.Options{
		Role:            orch.Role(cfg.Role),
		Dialect:         core.Dialect(cfg.Protocol.Dialect),
		Tagging:         app.FrameTagging(cfg.Protocol.FrameTagging),
		StrictFrameSize: cfg.Protocol.StrictFrameSize,
		Policy:          app.NewJoinPolicy(app.JoinMode(cfg.Policy.AutoJoin), channels, cfg.Policy.MaxSubscriptions),
		ViewerOffers:    cfg.Policy.ViewerOffers,
		RefreshInterval: cfg.Policy.RefreshInterval,
		PingPeriod:      cfg.Signal.PingPeriod,
		RetryLimit:      cfg.Policy.RetryLimit,
		RetryWindow:     cfg.Policy.RetryWindow,
	}
}

// wireRestream subscribes to from on every connect and republishes its media.
func wireRestream(o *orch.Orchestrator, from domain.ChannelID, metadata map[string]any) {
	relays := media.NewRelayManager()
	rs := media.NewRestreamer(from, relays, func(ctx context.Context, tracks []webrtc.TrackLocal) (domain.ChannelID, error) {
		return o.Publish(ctx, "", orch.LocalMedia{Tracks: tracks, Metadata: metadata})
	})
	o.OnRemoteTrack(rs.HandleTrack)
	o.OnEvent(func(ev orch.Event) {
		switch ev.Kind {
		case orch.EventIdentity:
			if err := o.Subscribe(from); err != nil {
				log.Error().Str("module", "main").Str("channel", string(from)).Err(err).Msg("restream subscribe")
			}
		case orch.EventDisconnected:
			rs.Reset()
		}
	})
}
