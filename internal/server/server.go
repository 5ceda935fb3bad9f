package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/engine"
	"github.com/smallbiznis/tenantcore/internal/observability"
	obsmiddleware "github.com/smallbiznis/tenantcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantcore/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantcore/internal/observability/tracing"
	tenantdomain "github.com/smallbiznis/tenantcore/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(func(e *engine.Engine) Engine { return e }),
	fx.Provide(NewServer),
	fx.Provide(registerGin),
	fx.Invoke(run),
)

// Engine is the part of the engine the HTTP surface reports to.
type Engine interface {
	RecordRequest(latency time.Duration)
	RecordError()
	Status(ctx context.Context) engine.Status
}

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Tenants tenantdomain.Service
	Engine  Engine
}

type Server struct {
	cfg     config.Config
	log     *zap.Logger
	tenants tenantdomain.Service
	engine  Engine
	now     func() time.Time
}

func NewServer(p Params) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     p.Cfg,
		log:     log.Named("http"),
		tenants: p.Tenants,
		engine:  p.Engine,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ProbeRoutes:     obsCfg.ProbeRoutes,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", s.Status)

	s.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, s *Server) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics, s)
}

// RegisterRoutes mounts the tenant-scoped routes. Every request is identified
// and counted against the api_call quota before reaching a handler.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	g.Use(s.TenantMiddleware(tenantdomain.OperationAPICall))
	g.GET("/tenant", s.CurrentTenant)
	g.GET("/features/:feature", s.FeaturePermission)
}

func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status(c.Request.Context()))
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
