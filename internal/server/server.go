package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/identity"
	"github.com/smallbiznis/soldiers/internal/observability"
	obsmiddleware "github.com/smallbiznis/soldiers/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/soldiers/internal/observability/metrics"
	obstracing "github.com/smallbiznis/soldiers/internal/observability/tracing"
	"github.com/smallbiznis/soldiers/internal/provider/stripe"
	"github.com/smallbiznis/soldiers/internal/ratelimit"
	"github.com/smallbiznis/soldiers/internal/sweep"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	identity.Module,
	ratelimit.Module,
	stripe.Module,
	entitlement.Module,
	sweep.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, registry *prometheus.Registry) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics, registry)
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
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	verifier     *identity.Verifier
	owners       *identity.Directory
	entitlements entdomain.Service
	sweeper      *sweep.Sweeper
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Verifier     *identity.Verifier
	Owners       *identity.Directory
	Entitlements entdomain.Service
	Sweeper      *sweep.Sweeper `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("http.server"),
		clock:        p.Clock,
		verifier:     p.Verifier,
		owners:       p.Owners,
		entitlements: p.Entitlements,
		sweeper:      p.Sweeper,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Webhooks --------
	api.POST("/webhooks/stripe", EntryPoint(entdomain.EntryWebhook), s.HandleStripeWebhook)

	// -------- Entitlements --------
	ent := api.Group("/entitlements", s.AuthRequired())
	{
		ent.GET("/me", s.GetMyEntitlement)
		ent.POST("/sync", EntryPoint(entdomain.EntrySync), s.SyncEntitlement)
		ent.GET("/verify-session", EntryPoint(entdomain.EntryVerify), s.VerifySession)
		ent.POST("/claim", EntryPoint(entdomain.EntryClaim), s.ClaimGrants)
	}

	// -------- Billing --------
	billing := api.Group("/billing", s.AuthRequired())
	{
		billing.POST("/checkout", s.CreateCheckout)
		billing.POST("/portal", s.CreatePortal)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired(), EntryPoint(entdomain.EntryAdmin))

	admin.GET("/entitlements/:owner_id", s.AdminGetEntitlement)
	admin.GET("/entitlements/:owner_id/audit", s.AdminListAudit)
	admin.POST("/entitlements/:owner_id/grant", s.AdminGrant)
	admin.POST("/entitlements/:owner_id/revoke", s.AdminRevoke)
	admin.POST("/entitlements/:owner_id/cancel", s.AdminCancel)
	admin.POST("/entitlements/:owner_id/reconcile", s.AdminReconcile)
	admin.POST("/sweep", s.AdminSweep)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
