package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	coreconfig "github.com/meep1w/pocketbot/core/config"
	"github.com/meep1w/pocketbot/core/logger"
	"github.com/meep1w/pocketbot/internal/attribution"
	"github.com/meep1w/pocketbot/internal/repository"
)

// Server is the public HTTP surface: postback ingestion, referral
// redirects, miniapp access checks.
type Server struct {
	cfg      coreconfig.HTTPConfig
	postback coreconfig.PostbackConfig
	service  *attribution.Service
	tenants  repository.TenantRepository
	endUsers repository.EndUserRepository
}

func NewServer(cfg coreconfig.HTTPConfig, postback coreconfig.PostbackConfig, service *attribution.Service, tenants repository.TenantRepository, endUsers repository.EndUserRepository) *Server {
	return &Server{
		cfg:      cfg,
		postback: postback,
		service:  service,
		tenants:  tenants,
		endUsers: endUsers,
	}
}

// Router assembles the gin engine. Split from Run for httptest use.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.requestLog(), gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/pb", s.handlePostback)
	engine.POST("/pb", s.handlePostback)
	engine.GET("/r/:tenant/:campaign", s.handleRedirect)
	engine.GET("/miniapp/access", s.handleMiniappAccess)
	return engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.LogEvent(ctx, logger.HTTP, slog.LevelInfo, "server.started",
		slog.String("status", "ok"),
		slog.String("listen", s.cfg.Listen),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogEvent(c.Request.Context(), logger.HTTP, slog.LevelDebug, "request",
			slog.String("status", "ok"),
			slog.String("handler", c.FullPath()),
			slog.Int("http_code", c.Writer.Status()),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
