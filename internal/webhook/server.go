// Package webhook serves the inbound push path and the observability API.
// Push notifications are acknowledged fast and recorded; the actual sync
// work always happens on the sweep side.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/logbookhq/logbook/internal/models"
	"gorm.io/gorm"
)

// Resolver validates that a pushed conversation has an active mapping.
// Implemented by mapping.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, conversationID string) (*models.ChannelMapping, bool, error)
}

// StartOpts holds configuration for the webhook server.
type StartOpts struct {
	DB            *gorm.DB
	Resolver      Resolver
	SigningSecret string        // Slack request signing secret
	Port          int           // defaults to 8080
	Retention     time.Duration // audit row TTL (default 1 week)
	Out           io.Writer
}

// Start launches the webhook HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Webhook server listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// NewRouter builds the gin router with all routes registered. Split out from
// Start so tests can drive it without binding a port.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("webhook: db is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("webhook: resolver is required")
	}
	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("webhook: signing secret is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook/slack", handleSlackPush(opts))
	router.GET("/api/events", handleEvents(opts.DB))
	router.GET("/api/stats", handleStats(opts.DB))
	router.GET("/healthz", handleHealth(opts.DB))

	return router, nil
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
