// Package api is the HTTP surface of the gateway: the OpenAI-compatible
// /v1 endpoints, the cached artifact route, and the admin JSON API.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sora2api/sora-proxy/internal/cache"
	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/generation"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/pool"
	"github.com/sora2api/sora-proxy/internal/request_tracking"
	"github.com/sora2api/sora-proxy/internal/sora"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

// Server wires the HTTP handlers to the services behind them.
type Server struct {
	log       *logger.Logger
	cfg       *config.Config
	runtime   *config.Runtime
	queries   *pg.Queries
	client    *sora.Client
	generator *generation.Service
	cache     *cache.Service
	tracker   *request_tracking.Service
	refresher *pool.Refresher
	limiter   *pool.Limiter
	lock      *pool.TokenLock
	sessions  *sessionManager
}

func NewServer(
	log *logger.Logger,
	cfg *config.Config,
	runtime *config.Runtime,
	queries *pg.Queries,
	client *sora.Client,
	generator *generation.Service,
	cacheSvc *cache.Service,
	tracker *request_tracking.Service,
	refresher *pool.Refresher,
	limiter *pool.Limiter,
	lock *pool.TokenLock,
) *Server {
	return &Server{
		log:       log.WithComponent("api"),
		cfg:       cfg,
		runtime:   runtime,
		queries:   queries,
		client:    client,
		generator: generator,
		cache:     cacheSvc,
		tracker:   tracker,
		refresher: refresher,
		limiter:   limiter,
		lock:      lock,
		sessions:  newSessionManager(cfg.JWTSecret, time.Duration(cfg.JWTExpiryMinutes)*time.Minute),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.CORSAllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/tmp/:filename", s.serveCachedFile)

	v1 := router.Group("/v1")
	v1.Use(s.requireAPIKey())
	{
		v1.POST("/chat/completions", s.chatCompletions)
		v1.POST("/images/generations", s.imagesGenerations)
		v1.GET("/models", s.listModels)
	}

	router.POST("/api/login", s.login)

	admin := router.Group("/api")
	admin.Use(s.requireAdmin())
	{
		admin.POST("/logout", s.logout)
		admin.POST("/admin/password", s.changePassword)

		admin.GET("/credentials", s.listCredentials)
		admin.POST("/credentials", s.createCredential)
		admin.POST("/credentials/st2at", s.sessionToAccess)
		admin.POST("/credentials/rt2at", s.refreshToAccess)
		admin.POST("/credentials/import", s.importCredentials)
		admin.POST("/credentials/batch/test", s.batchTestAll)
		admin.POST("/credentials/batch/enable-all", s.batchEnableAll)
		admin.POST("/credentials/batch/delete-disabled", s.batchDeleteDisabled)
		admin.POST("/credentials/batch/operate", s.batchOperate)
		admin.PUT("/credentials/:id", s.updateCredential)
		admin.DELETE("/credentials/:id", s.deleteCredential)
		admin.POST("/credentials/:id/enable", s.enableCredential)
		admin.POST("/credentials/:id/disable", s.disableCredential)
		admin.POST("/credentials/:id/test", s.testCredential)

		admin.GET("/settings/:group", s.getSettings)
		admin.PUT("/settings/:group", s.updateSettings)

		admin.GET("/stats", s.stats)
		admin.GET("/logs", s.recentLogs)
		admin.DELETE("/logs", s.clearLogs)
		admin.POST("/cache/clear", s.clearCache)
	}

	return router
}

// serveCachedFile handles GET /tmp/:filename for locally cached artifacts.
func (s *Server) serveCachedFile(c *gin.Context) {
	path, err := s.cache.Path(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "File not found"})
		return
	}
	c.File(path)
}
