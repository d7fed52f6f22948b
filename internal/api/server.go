// Package api provides the HTTP server for the gateway. It exposes the
// generation endpoints clients call, plus a small management surface for
// inspecting the account pool, editing the route table, and reading quota.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/lyralabs/gravityrouter/internal/config"
	"github.com/lyralabs/gravityrouter/internal/logging"
	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/registry"
	"github.com/lyralabs/gravityrouter/internal/upstream"
)

// Server is the main API server. It owns the Gin engine, the HTTP listener,
// and the shared gateway state handed to the handlers.
type Server struct {
	engine *gin.Engine
	server *http.Server

	mu         sync.RWMutex
	cfg        *config.Config
	resolver   *registry.Resolver
	httpClient *http.Client

	manager        *pool.Manager
	exchangeLogger *logging.FileExchangeLogger
	configFilePath string
}

// NewServer creates and initializes the API server: engine, middleware,
// routes, and the backend HTTP client.
func NewServer(cfg *config.Config, manager *pool.Manager, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLogger())
	engine.Use(logging.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:         engine,
		cfg:            cfg,
		manager:        manager,
		resolver:       buildResolver(cfg),
		httpClient:     upstream.NewHTTPClient(cfg.ProxyURL),
		exchangeLogger: logging.NewFileExchangeLogger(cfg.RequestLog, "logs"),
		configFilePath: configFilePath,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func buildResolver(cfg *config.Config) *registry.Resolver {
	resolver := registry.NewResolver(registry.NewCatalog(), cfg.FallbackModel)
	if err := resolver.SetRoutes(toRegistryRoutes(cfg.Routes)); err != nil {
		log.Warnf("invalid route table in config, starting without routes: %v", err)
	}
	return resolver
}

func toRegistryRoutes(routes []config.Route) []registry.Route {
	out := make([]registry.Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, registry.Route{Pattern: r.Pattern, Target: r.Target})
	}
	return out
}

func (s *Server) setupRoutes() {
	gateway := newGatewayHandler(s)

	v1beta := s.engine.Group("/v1beta")
	{
		v1beta.GET("/models", gateway.ListModels)
		v1beta.POST("/models/:action", gateway.Generate)
	}

	mgmt := newManagementHandler(s)
	v0 := s.engine.Group("/v0/management")
	v0.Use(s.managementAuth())
	{
		v0.GET("/routes", mgmt.GetRoutes)
		v0.PUT("/routes", mgmt.PutRoutes)
		v0.GET("/accounts", mgmt.ListAccounts)
		v0.POST("/accounts", mgmt.AddAccount)
		v0.DELETE("/accounts/:index", mgmt.DeleteAccount)
		v0.GET("/accounts/:index/quota", mgmt.AccountQuota)
	}
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("starting gateway on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// UpdateConfig applies a freshly loaded configuration. Port changes require
// a restart; everything else takes effect immediately.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ProxyURL != cfg.ProxyURL {
		s.httpClient = upstream.NewHTTPClient(cfg.ProxyURL)
	}
	if s.cfg.FallbackModel != cfg.FallbackModel {
		s.resolver = buildResolver(cfg)
	} else if err := s.resolver.SetRoutes(toRegistryRoutes(cfg.Routes)); err != nil {
		log.Warnf("ignoring invalid route table from config reload: %v", err)
	}
	s.exchangeLogger = logging.NewFileExchangeLogger(cfg.RequestLog, "logs")
	if s.cfg.Port != cfg.Port {
		log.Warnf("port change (%d -> %d) requires a restart", s.cfg.Port, cfg.Port)
	}
	s.cfg = cfg
	log.Info("configuration reloaded")
}

func (s *Server) snapshot() (*config.Config, *registry.Resolver, *http.Client, *logging.FileExchangeLogger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.resolver, s.httpClient, s.exchangeLogger
}

// managementAuth guards the management endpoints with the configured key.
// The key is stored as a bcrypt hash; requests carry the plain key as a
// bearer token.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, _, _, _ := s.snapshot()
		if cfg.ManagementKey == "" {
			respondError(c, http.StatusForbidden, "management endpoints disabled: no management-key configured", "permission_denied")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || bcrypt.CompareHashAndPassword([]byte(cfg.ManagementKey), []byte(token)) != nil {
			respondError(c, http.StatusUnauthorized, "invalid management key", "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
