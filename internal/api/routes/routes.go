package routes

import (
	"chat-gateway/internal/api/handlers"
	"chat-gateway/internal/api/middleware"
	"chat-gateway/internal/config"
	"chat-gateway/internal/websocket"

	"github.com/gin-gonic/gin"
)

type Router struct {
	engine        *gin.Engine
	cfg           *config.Config
	wsHandler     *handlers.WSHandler
	healthHandler *handlers.HealthHandler
	metrics       *websocket.Metrics
	rateLimitMW   *middleware.RateLimitMiddleware
	authMW        *middleware.AuthMiddleware
}

// NewRouter builds the HTTP surface of the gateway. limiter and redis may be nil when
// Redis is not configured, which disables connect rate limiting and the Redis health check.
func NewRouter(
	cfg *config.Config,
	gateway *websocket.Gateway,
	verifier middleware.TokenVerifier,
	limiter middleware.RateLimiter,
	redis handlers.Pinger,
	metrics *websocket.Metrics,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	// Add middlewares
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	engine.Use(middleware.LogApi("/healthz", "/metrics"))

	r := &Router{
		engine:        engine,
		cfg:           cfg,
		wsHandler:     handlers.NewWSHandler(gateway, cfg.Server.AllowedOrigins),
		healthHandler: handlers.NewHealthHandler(gateway.Registry(), redis),
		metrics:       metrics,
		authMW:        middleware.NewAuthMiddleware(verifier),
	}
	if limiter != nil {
		r.rateLimitMW = middleware.NewRateLimitMiddleware(limiter)
	}
	return r
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.healthHandler.Health)
	r.engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))

	api := r.engine.Group("/api/v1")

	// WebSocket endpoint; authentication happens on the upgraded socket
	var wsMW []gin.HandlerFunc
	if r.rateLimitMW != nil {
		wsMW = append(wsMW, r.rateLimitMW.RateLimitIP(r.cfg.Redis.RateLimitConnect, r.cfg.Redis.RateLimitWindow))
	}
	r.wsHandler.RegisterRoutes(api, wsMW...)

	// Authenticated routes
	authed := api.Group("/")
	authed.Use(r.authMW.RequireAuth())
	{
		authed.GET("/stats", r.healthHandler.Stats)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
