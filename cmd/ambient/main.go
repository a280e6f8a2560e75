package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/aayush-trivedi/ambient/internal/adapters/media"
	"github.com/aayush-trivedi/ambient/internal/adapters/rendezvous"
	"github.com/aayush-trivedi/ambient/internal/adapters/rtc"
	"github.com/aayush-trivedi/ambient/internal/app/peer"
	"github.com/aayush-trivedi/ambient/internal/config"
	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.ClientFlags(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	id, err := identity(cfg.Peer)
	if err != nil {
		log.Fatal().Err(err).Msg("bad identity")
	}
	logger := log.With().Str("module", "ambient").Str("self", string(id.Self)).Logger()

	factory, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.Peer.ICEServers), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}
	client := rendezvous.NewClient(cfg.Peer.Rendezvous, factory,
		rendezvous.WithPingPeriod(cfg.PingPeriod),
		rendezvous.WithDialTimeout(cfg.Peer.DialTimeout),
	)
	source := media.NewUDPSource(cfg.Peer.AudioIn, cfg.Peer.VideoIn)
	forwarder := media.NewForwarder(cfg.Peer.AudioOut, cfg.Peer.VideoOut)
	defer forwarder.Detach()

	promReg := prometheus.NewRegistry()

	fatal := make(chan error, 1)
	m := peer.New(id, source, client, peer.Observer{
		OnState: func(s domain.ConnectionState) {
			logger.Info().Str("state", s.String()).Msg("connection state")
		},
		OnLocalMedia: func(lm core.LocalMedia) {
			logger.Info().Str("media", lm.ID()).Int("tracks", len(lm.Tracks())).Msg("local media ready")
		},
		OnRemoteMedia: func(rm core.RemoteMedia) {
			if rm == nil {
				logger.Info().Msg("partner media gone")
			} else {
				logger.Info().Str("media", rm.ID()).Msg("partner media")
			}
			forwarder.Attach(rm)
		},
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	}, peer.WithMetrics(metrics.NewPeer(promReg)))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Peer.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Peer.MetricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("metrics server started")
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

	g.Go(func() error {
		m.Connect()
		select {
		case <-gctx.Done():
		case err := <-fatal:
			logger.Error().Err(err).Msg("cannot continue")
			m.Destroy()
			<-m.Done()
			return err
		}
		logger.Info().Msg("Shutting down")
		m.Destroy()
		<-m.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("exited gracefully")
}

// identity picks the role from --role, falling back to the join marker.
func identity(p config.Peer) (domain.SessionIdentity, error) {
	role := domain.RoleFromJoinMarker(p.Join)
	if p.Role != "" {
		r, err := domain.ParseRole(p.Role)
		if err != nil {
			return domain.SessionIdentity{}, err
		}
		role = r
	}
	return domain.NewSessionIdentity(domain.RoomID(p.Room), role)
}
