// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swiftdispatch/internal/auth"
	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/http/handlers"
	"swiftdispatch/internal/http/middleware"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/eta"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/modules/matching"
)

type ServerDeps struct {
	Location   *location.Service
	ETA        *eta.Service
	Heatmap    *heatmap.Service
	Matching   *matching.Service
	Assignment *assignment.Service
	Signer     *auth.Signer
	Clock      clock.Clock
	Log        *slog.Logger
}

type Server struct {
	location  *handlers.LocationHandler
	eta       *handlers.ETAHandler
	heatmap   *handlers.HeatmapHandler
	logistics *handlers.LogisticsHandler
	signer    *auth.Signer
	log       *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		location:  handlers.NewLocationHandler(deps.Location, log),
		eta:       handlers.NewETAHandler(deps.ETA, deps.Clock),
		heatmap:   handlers.NewHeatmapHandler(deps.Heatmap, log),
		logistics: handlers.NewLogisticsHandler(deps.Matching, deps.Assignment, log),
		signer:    deps.Signer,
		log:       log,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Logging(s.log), middleware.Recovery(s.log))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	drivers := r.Group("/drivers")
	drivers.GET("/nearby", s.location.Nearby)
	drivers.GET("/metrics", s.location.Metrics)
	drivers.POST("/:id/location", s.location.Index)
	drivers.DELETE("/:id/location", s.location.Remove)
	drivers.GET("/:id/location", s.location.Get)
	drivers.GET("/:id/status", s.location.Status)
	drivers.POST("/:id/heartbeat", s.location.Heartbeat)
	drivers.GET("/:id/stream", s.location.Stream)

	r.GET("/eta", s.eta.Predict)

	hm := r.Group("/heatmap")
	hm.GET("/surge", s.heatmap.Surge)
	hm.POST("/update", s.heatmap.Update)
	hm.GET("/region", s.heatmap.Region)

	lg := r.Group("/logistics", middleware.ServiceAuth(s.signer))
	lg.POST("/internal/assign", s.logistics.Assign)
	lg.POST("/internal/cancel", s.logistics.Cancel)
	lg.PUT("/driver/pickup", s.logistics.Pickup)
	lg.PUT("/driver/deliver", s.logistics.Deliver)
	lg.GET("/deliveries/:id", s.logistics.Delivery)
	lg.GET("/orders/:id/delivery", s.logistics.OrderDelivery)
	lg.POST("/admin/drivers", s.logistics.CreateCourier)
	lg.GET("/admin/drivers/:id", s.logistics.Courier)
	return r
}
