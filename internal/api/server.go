package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/live"
	"qrattend/internal/queue"
	"qrattend/internal/reconcile"
)

// Syncer is the part of the scheduler the API drives.
type Syncer interface {
	SyncNow(ctx context.Context, timeout time.Duration) (reconcile.Report, error)
	Last() (reconcile.Report, bool)
	ConsecutiveFailures() int
}

// Links reports the last known connectivity without probing.
type Links interface {
	LastKnown() (network, authority bool)
}

// Deps are the collaborators the kiosk API serves.
type Deps struct {
	Service     *attendance.Service
	Queue       *queue.Queue
	Sync        Syncer
	Links       Links
	Signer      *auth.Signer
	Hub         *live.Hub
	Metrics     http.Handler
	Limiter     *httpmiddleware.TokenBucket
	SyncTimeout time.Duration
	// Checks are extra named health checks, such as redis or postgres.
	Checks map[string]func(ctx context.Context) bool
}

// NewRouter builds the gin engine for the kiosk API.
func NewRouter(d Deps) *gin.Engine {
	if d.SyncTimeout <= 0 {
		d.SyncTimeout = 60 * time.Second
	}
	h := &handler{deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	r.GET("/healthz", h.healthz)

	r.POST("/v1/devices/register", h.register)
	r.POST("/v1/devices/refresh", h.refresh)

	v1 := r.Group("/v1", auth.StationAuth(d.Signer))
	if d.Limiter != nil {
		v1.Use(d.Limiter.GinMiddleware(auth.Station))
	}
	v1.POST("/scans", h.scan)
	v1.GET("/status/:subject", h.status)
	v1.GET("/attendance", h.attendance)
	v1.POST("/sync", h.syncNow)
	v1.GET("/sync/status", h.syncStatus)
	if d.Hub != nil {
		v1.GET("/live", live.Handler(d.Hub))
	}
	return r
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
