package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/aayush-trivedi/ambient/internal/adapters/http"
	sig "github.com/aayush-trivedi/ambient/internal/adapters/signal"
	"github.com/aayush-trivedi/ambient/internal/app"
	"github.com/aayush-trivedi/ambient/internal/config"
	"github.com/aayush-trivedi/ambient/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.ServerFlags(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg := app.NewRegistry()
	limiter := sig.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Interval, clockwork.NewRealClock())
	ctrl := sig.NewSignalWSController(cfg, reg, app.SimplePolicy{}, limiter, metrics.NewServer(promReg))

	r := router.SetupRouter(ctx, cfg, ctrl, promReg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("rendezvous server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
