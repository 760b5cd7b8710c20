package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/sandbox/internal/api/http"
	"github.com/GriffinCanCode/sandbox/internal/api/middleware"
	"github.com/GriffinCanCode/sandbox/internal/api/ws"
	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox/internal/sandbox"
	"github.com/GriffinCanCode/sandbox/internal/transport"
	"github.com/GriffinCanCode/sandbox/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Server serves sandbox workers over HTTP and WebSocket
type Server struct {
	router    *gin.Engine
	httpSrv   *http.Server
	wsHandler *ws.Handler
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	logger.Info("Initializing sandbox worker server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("codec", cfg.Transport.Codec),
	)

	workerPerms, err := cfg.WorkerPermissions()
	if err != nil {
		return nil, fmt.Errorf("worker permissions: %w", err)
	}
	format, err := codec.ParseFormat(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics(nil)
	tracer := tracing.New("sandbox-worker", logger.Logger)

	workerOpts := []worker.Option{
		worker.WithConfig(sandbox.RuntimeConfig(cfg.Sandbox)),
		worker.WithPermissions(workerPerms),
		worker.WithFormat(format),
		worker.WithRequestTimeout(cfg.Sandbox.RequestTimeout),
		worker.WithTracer(tracer),
	}
	transportOpts := []transport.Option{
		transport.WithCompression(cfg.Transport.CompressThreshold),
		transport.WithMaxMessageSize(cfg.Transport.MaxMessageSize),
	}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("mps", cfg.RateLimit.MessagesPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		transportOpts = append(transportOpts, transport.WithRateLimit(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst))
	}
	wsHandler := ws.NewHandler(logger.Logger, metrics, workerOpts, transportOpts)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))

	handlers := apihttp.NewHandlers(metrics, format.String(), wsHandler.Sessions)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", handlers.Metrics)

	sandboxRoute := []gin.HandlerFunc{wsHandler.HandleConnection}
	if cfg.RateLimit.Enabled {
		sandboxRoute = append([]gin.HandlerFunc{middleware.RateLimit(middleware.DefaultRateLimitConfig())}, sandboxRoute...)
	}
	router.GET("/sandbox", sandboxRoute...)

	logger.Info("Server initialized successfully")

	return &Server{
		router:    router,
		httpSrv:   &http.Server{Addr: cfg.Server.Addr(), Handler: router},
		wsHandler: wsHandler,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// Handler returns the router, for mounting or testing
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Close is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting connections and terminates every worker
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.wsHandler.Close()
	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	s.metrics.Close()
	s.tracer.Close()
	s.logger.Sync()

	return err
}
