// README: HTTP router registration.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/http/handlers"
	"courier/internal/http/middleware"
)

func NewRouter(ctx context.Context, deps ServerDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Logging(deps.Logger), middleware.Recovery(deps.Logger))
	r.Use(cors.New(corsConfig(deps.CORS.Origins())))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": deps.Hub.Connected(), "drivers": deps.Presence.Len()})
	})
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	sock := handlers.NewSocketHandler(ctx, deps.Hub, deps.Presence, deps.Relay, deps.Logger)
	r.GET("/ws", sock.ServeWs)

	public := handlers.NewPublicHandler(deps.Order)
	pub := r.Group("/api/public")
	pub.POST("/order", public.Submit)
	pub.GET("/order/:number", public.Track)
	pub.POST("/order/:number/rating", public.Rate)

	orders := handlers.NewOrderHandler(deps.Order, deps.Matching)
	driver := handlers.NewDriverHandler(deps.Order)
	loc := handlers.NewLocationHandler(deps.Order, deps.Presence, deps.Relay)

	api := r.Group("/api/orders", middleware.Auth(deps.Verifier))
	staff := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleStaff)
	admin := middleware.RequireRole(middleware.RoleAdmin)

	api.GET("", staff, orders.List)
	api.GET("/available", staff, orders.Available)
	api.GET("/active", staff, driver.Active)
	api.GET("/stats/places", admin, orders.PlaceStats)
	api.GET("/stats/daily", admin, orders.DailyStats)
	api.GET("/:number", staff, orders.Get)
	api.GET("/:number/dispatch", admin, orders.Dispatch)
	api.PUT("/:number", admin, orders.Update)
	api.DELETE("/:number", admin, orders.Delete)
	api.POST("/accept", staff, driver.Accept)
	api.POST("/complete", staff, driver.Complete)
	api.POST("/location/update", staff, loc.Update)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
