package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/format"
	"github.com/antigravity-tools/gateway/internal/server/handlers"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// Server is the local gateway HTTP server.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
}

// New assembles the engine: middleware, route handlers and the listener
// configuration. The server only binds loopback; it is not meant to be
// exposed beyond the local machine.
func New(cfg *config.Config, pool *account.Manager, client *cloudcode.Client, signatures *format.SignatureStore) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())
	engine.Use(CORSMiddleware())
	engine.Use(SilentHandlerMiddleware())
	engine.Use(RequestLoggingMiddleware())

	// Request body limit (10MB)
	engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	messagesHandler := handlers.NewMessagesHandler(pool, client, cfg, signatures)
	chatHandler := handlers.NewChatHandler(pool, client, cfg)
	modelsHandler := handlers.NewModelsHandler(cfg)
	healthHandler := handlers.NewHealthHandler(pool)

	// Liveness probe stays outside API-key auth.
	engine.GET("/healthz", healthHandler.Health)

	v1 := engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(cfg))
	{
		v1.POST("/chat/completions", chatHandler.ChatCompletions)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.GET("/models", modelsHandler.List)
	}

	engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})

	return &Server{
		cfg:    cfg,
		engine: engine,
		http: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.Port),
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute, // streaming responses can run long
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Run serves requests until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	utils.Success("[Server] Listening on http://%s", s.http.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
