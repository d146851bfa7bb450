package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/auth"
	"github.com/smallbiznis/licensehub/internal/authorization"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/fleetmetrics"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
	"github.com/smallbiznis/licensehub/internal/observability"
	obslogger "github.com/smallbiznis/licensehub/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/licensehub/internal/observability/metrics"
	obstracing "github.com/smallbiznis/licensehub/internal/observability/tracing"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	"github.com/smallbiznis/licensehub/internal/ratelimit"
	reportingdomain "github.com/smallbiznis/licensehub/internal/reporting/domain"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"github.com/smallbiznis/licensehub/internal/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// NewEngine builds the router. Only proxies listed in cfg.TrustedProxies may
// set the caller IP through forwarding headers.
func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())
	return r, nil
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) (*gin.Engine, error) {
	return NewEngine(cfg, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	db        *gorm.DB
	log       *zap.Logger
	issuer    *auth.Issuer
	authzSvc  authorization.Service
	auditSvc  auditdomain.Service
	userSvc   userdomain.Service
	licenses  licensedomain.Service
	presence  presencedomain.Tracker
	reporting reportingdomain.Service
	validator *requestValidator
	checks    validation.Engine
	limiter   *ratelimit.ValidationLimiter
	metrics   *obsmetrics.Metrics
	gatherer  prometheus.Gatherer
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Issuer    *auth.Issuer
	AuthzSvc  authorization.Service
	AuditSvc  auditdomain.Service
	UserSvc   userdomain.Service
	Licenses  licensedomain.Service
	Presence  presencedomain.Tracker
	Reporting reportingdomain.Service
	Checks    validation.Engine

	Limiter *ratelimit.ValidationLimiter `optional:"true"`
	Metrics *obsmetrics.Metrics          `optional:"true"`
	Fleet   *fleetmetrics.Collector      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if p.Fleet != nil {
		gatherers = append(gatherers, p.Fleet.Registry())
	}

	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		db:        p.DB,
		log:       p.Log.Named("http.server"),
		issuer:    p.Issuer,
		authzSvc:  p.AuthzSvc,
		auditSvc:  p.AuditSvc,
		userSvc:   p.UserSvc,
		licenses:  p.Licenses,
		presence:  p.Presence,
		reporting: p.Reporting,
		validator: newRequestValidator(),
		checks:    p.Checks,
		limiter:   p.Limiter,
		metrics:   p.Metrics,
		gatherer:  gatherers,
	}

	svc.registerOpsRoutes()
	svc.registerPublicRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOpsRoutes() {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// registerPublicRoutes mounts the unauthenticated game-server endpoints at the
// root and under /api/fivem.
func (s *Server) registerPublicRoutes() {
	for _, prefix := range []string{"", "/api/fivem"} {
		group := s.engine.Group(prefix)
		group.POST("/validate", s.ValidationRateLimit(validation.EndpointValidate), s.Validate)
		group.POST("/validate-script", s.ValidationRateLimit(validation.EndpointValidateScript), s.ValidateScript)
		group.POST("/heartbeat", s.ValidationRateLimit(validation.EndpointHeartbeat), s.Heartbeat)
	}
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	api.GET("/auth/me", s.authorize(authorization.ObjectProfile, authorization.ActionProfileView), s.Me)

	// -------- Licenses --------
	api.GET("/licenses", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseView), s.ListLicenses)
	api.POST("/licenses", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseCreate), s.CreateLicense)
	api.GET("/licenses/:id", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseView), s.GetLicense)
	api.PATCH("/licenses/:id", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseUpdate), s.UpdateLicense)
	api.DELETE("/licenses/:id", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseDelete), s.DeleteLicense)
	api.GET("/licenses/:id/status", s.authorize(authorization.ObjectLicense, authorization.ActionLicenseView), s.GetLicenseStatus)

	// -------- Stats --------
	api.GET("/stats", s.authorize(authorization.ObjectStats, authorization.ActionStatsView), s.GetStats)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin", s.AuthRequired())

	admin.GET("/users", s.authorize(authorization.ObjectUser, authorization.ActionUserView), s.ListUsers)
	admin.POST("/users", s.authorize(authorization.ObjectUser, authorization.ActionUserCreate), s.CreateUser)
	admin.GET("/users/:id", s.authorize(authorization.ObjectUser, authorization.ActionUserView), s.GetUser)
	admin.PATCH("/users/:id", s.authorize(authorization.ObjectUser, authorization.ActionUserUpdate), s.UpdateUser)
	admin.DELETE("/users/:id", s.authorize(authorization.ObjectUser, authorization.ActionUserDelete), s.DeleteUser)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		obslogger.FromContext(ctx).Warn("health check database ping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "up"})
}
