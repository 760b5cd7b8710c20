package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/shared/id"
	"github.com/GriffinCanCode/sandbox/internal/transport"
	"github.com/GriffinCanCode/sandbox/internal/worker"
)

var upgrader = websocket.Upgrader{
	// Origins are checked by the CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades connections and serves one worker on each
type Handler struct {
	workerOpts    []worker.Option
	transportOpts []transport.Option
	logger        *zap.Logger
	metrics       *monitoring.Metrics

	mu      sync.Mutex
	workers map[id.SandboxID]*worker.Worker
	closed  bool
}

// NewHandler creates a WebSocket handler. Every connection gets a fresh
// worker configured with workerOpts.
func NewHandler(logger *zap.Logger, metrics *monitoring.Metrics, workerOpts []worker.Option, transportOpts []transport.Option) *Handler {
	logger = logging.OrNop(logger)
	return &Handler{
		workerOpts: append(append([]worker.Option(nil), workerOpts...), worker.WithMetrics(metrics)),
		transportOpts: append(append([]transport.Option(nil), transportOpts...),
			transport.WithLogger(logger),
			transport.WithMetrics(metrics),
		),
		logger:  logger,
		metrics: metrics,
		workers: make(map[id.SandboxID]*worker.Worker),
	}
}

// HandleConnection upgrades the request and serves a worker until either
// side closes
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sandboxID := id.NewSandboxID()
	logger := h.logger.With(logging.Sandbox(sandboxID), zap.String("remote", c.ClientIP()))

	ws := transport.NewWebSocket(conn, h.transportOpts...)
	opts := make([]worker.Option, 0, len(h.workerOpts)+1)
	opts = append(opts, h.workerOpts...)
	w, err := worker.Serve(ws, append(opts, worker.WithLogger(logger))...)
	if err != nil {
		logger.Error("Failed to start worker", zap.Error(err))
		ws.Close()
		return
	}

	if !h.track(sandboxID, w) {
		w.Close()
		return
	}
	defer h.untrack(sandboxID)

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()
	h.metrics.SandboxCreated()
	defer h.metrics.SandboxDestroyed()

	logger.Info("Sandbox connected")
	<-w.Done()
	logger.Info("Sandbox disconnected")
}

func (h *Handler) track(sandboxID id.SandboxID, w *worker.Worker) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.workers[sandboxID] = w
	return true
}

func (h *Handler) untrack(sandboxID id.SandboxID) {
	h.mu.Lock()
	delete(h.workers, sandboxID)
	h.mu.Unlock()
}

// Sessions returns the number of live connections
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}

// Close stops every worker and refuses new connections
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	workers := make([]*worker.Worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			h.logger.Debug("Worker close failed", zap.Error(err))
		}
	}
}
