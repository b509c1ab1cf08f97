// Package api provides the HTTP API server for the gateway. It includes the
// main server struct, routing setup, middleware for CORS and authentication,
// and the OpenAI, Google-shaped, and native endpoint handlers. The server
// supports hot-reloading of configuration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/api/handlers"
	"github.com/web-gemini/GeminiWebGateway/internal/api/handlers/gemini"
	"github.com/web-gemini/GeminiWebGateway/internal/api/handlers/openai"
	"github.com/web-gemini/GeminiWebGateway/internal/api/middleware"
	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/logging"
	"github.com/web-gemini/GeminiWebGateway/internal/session"
)

// Server represents the main API server.
// It encapsulates the Gin engine, HTTP server, handlers, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the shared state for endpoint handlers.
	handlers *handlers.BaseAPIHandler

	// cfg holds the current server configuration.
	cfg *config.Config

	// requestLogger is the request logger instance for dynamic configuration updates.
	requestLogger *logging.FileRequestLogger
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
func NewServer(cfg *config.Config, sessions *session.Manager) *Server {
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.RequestLoggingMiddleware(requestLogger))
	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		handlers:      handlers.NewBaseAPIHandler(cfg, sessions),
		cfg:           cfg,
		requestLogger: requestLogger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
// It defines the endpoints and associates them with their respective handlers.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)
	geminiHandlers := gemini.NewGeminiAPIHandler(s.handlers)

	auth := s.authMiddleware()

	// OpenAI compatible API routes
	v1 := s.engine.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
	}
	s.engine.GET("/models", auth, openaiHandlers.OpenAIModels)

	// Google Generative Language compatible routes
	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(auth)
	{
		v1beta.GET("/models", geminiHandlers.GeminiModels)
		v1beta.POST("/models/:action", geminiHandlers.GeminiHandler)
	}

	// Native routes
	s.engine.POST("/gemini", auth, geminiHandlers.NativeGenerate)
	s.engine.POST("/gemini-chat", auth, geminiHandlers.NativeChat)
	s.engine.POST("/gemini-image", auth, geminiHandlers.NativeImage)
	s.engine.POST("/translate", auth, geminiHandlers.Translate)

	// Root endpoint
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Gemini Web Gateway",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"POST /v1beta/models/:action",
				"POST /gemini",
				"POST /gemini-chat",
				"POST /gemini-image",
				"POST /translate",
			},
		})
	})
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	log.Infof("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies a hot-reloaded configuration. API keys, debug level,
// and request logging take effect immediately; port changes need a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}
	if s.cfg.Debug != cfg.Debug {
		logging.ApplyDebugLevel(cfg.Debug)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}

	s.cfg = cfg
	s.handlers.UpdateConfig(cfg)
	log.Infof("server configuration updated: %d api key(s)", len(cfg.APIKeys))
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response, allowing cross-origin requests.
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

// authMiddleware authenticates requests against the configured API keys.
// With no keys configured all requests pass; localhost may bypass when
// allow-localhost-unauthenticated is set. The middleware reads the current
// config through the shared handler state so hot reloads apply immediately.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.handlers.Cfg

		if cfg.AllowLocalhostUnauthenticated && strings.HasPrefix(c.Request.RemoteAddr, "127.0.0.1:") {
			c.Next()
			return
		}
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		authHeaderGoogle := c.GetHeader("X-Goog-Api-Key")
		apiKeyQuery, _ := c.GetQuery("key")

		if authHeader == "" && authHeaderGoogle == "" && apiKeyQuery == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
			})
			return
		}

		parts := strings.Split(authHeader, " ")
		var apiKey string
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			apiKey = parts[1]
		} else {
			apiKey = authHeader
		}

		var foundKey string
		for i := range cfg.APIKeys {
			if cfg.APIKeys[i] == apiKey || cfg.APIKeys[i] == authHeaderGoogle || cfg.APIKeys[i] == apiKeyQuery {
				foundKey = cfg.APIKeys[i]
				break
			}
		}
		if foundKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		c.Set("apiKey", foundKey)
		c.Next()
	}
}
