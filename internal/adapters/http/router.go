package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/adapters/signal"
	"github.com/aayush-trivedi/ambient/internal/config"
)

// RequestIDMiddleware tags every request so websocket sessions can be
// correlated with access logs.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Header("X-Request-Id", rid)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.SignalWSController, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "registered": ctrl.Registry.Count()})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/ws/rendezvous", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Str("id", c.Query("id")).Msg("ws rendezvous endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
