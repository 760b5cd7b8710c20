package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/shared/utils"
)

// Frame flags, carried in the first byte of every binary frame
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// zstd encoders and decoders are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(utils.MaxMessageSize)*2),
	)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// Option configures a WebSocket transport
type Option func(*wsOptions)

type wsOptions struct {
	compressThreshold int
	limiter           *rate.Limiter
	validator         *utils.SizeValidator
	logger            *zap.Logger
	metrics           *monitoring.Metrics
}

// WithCompression compresses frames of at least threshold bytes.
// Zero disables compression.
func WithCompression(threshold int) Option {
	return func(o *wsOptions) {
		o.compressThreshold = threshold
	}
}

// WithRateLimit limits inbound messages per second. Excess messages are
// delayed, not dropped.
func WithRateLimit(perSecond, burst int) Option {
	return func(o *wsOptions) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxMessageSize bounds the size of a single message in either direction
func WithMaxMessageSize(size int) Option {
	return func(o *wsOptions) {
		o.validator = utils.NewSizeValidator(size)
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *wsOptions) {
		o.logger = logger
	}
}

// WithMetrics records frame counts and sizes
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(o *wsOptions) {
		o.metrics = metrics
	}
}

// WebSocket is a Transport over a gorilla/websocket connection
type WebSocket struct {
	conn *websocket.Conn
	opts wsOptions

	writeMu sync.Mutex

	handlerMu sync.Mutex
	handler   func([]byte)
	ready     chan struct{}
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection. Reading starts once
// OnMessage is called.
func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	o := wsOptions{validator: utils.DefaultSizeValidator()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)

	if limit := o.validator.MaxSize(); limit > 0 {
		// flag byte plus zstd framing overhead
		conn.SetReadLimit(int64(limit) + 1024)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:   conn,
		opts:   o,
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

// Dial connects to a sandbox-worker endpoint such as ws://host:8700/sandbox
func Dial(ctx context.Context, url string, opts ...Option) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts...), nil
}

// Send writes one binary frame
func (w *WebSocket) Send(data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	if err := w.opts.validator.ValidateSize(data); err != nil {
		return err
	}

	frame, compressed := w.encodeFrame(data)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	w.opts.metrics.RecordWSMessage("out", len(frame), compressed)
	return nil
}

func (w *WebSocket) encodeFrame(data []byte) ([]byte, bool) {
	if t := w.opts.compressThreshold; t > 0 && len(data) >= t {
		compressed := zstdEncoder.EncodeAll(data, []byte{frameZstd})
		if len(compressed) < len(data) {
			return compressed, true
		}
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, frameRaw)
	return append(frame, data...), false
}

func (w *WebSocket) decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameZstd:
		data, err := zstdDecoder.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown frame flag %d", frame[0])
	}
}

// OnMessage installs the inbound callback
func (w *WebSocket) OnMessage(handler func([]byte)) {
	w.handlerMu.Lock()
	w.handler = handler
	w.handlerMu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *WebSocket) readLoop() {
	defer w.Close()

	select {
	case <-w.ready:
	case <-w.done:
		return
	}

	for {
		mt, frame, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-w.done:
				default:
					w.opts.logger.Debug("websocket read failed", zap.Error(err))
				}
			}
			return
		}
		if mt != websocket.BinaryMessage {
			w.opts.logger.Warn("ignoring non-binary frame", zap.Int("type", mt))
			continue
		}

		if w.opts.limiter != nil {
			if err := w.opts.limiter.Wait(w.ctx); err != nil {
				return
			}
		}

		data, err := w.decodeFrame(frame)
		if err != nil {
			w.opts.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := w.opts.validator.ValidateSize(data); err != nil {
			w.opts.logger.Warn("dropping oversized message", zap.Error(err))
			continue
		}
		w.opts.metrics.RecordWSMessage("in", len(frame), frame[0] == frameZstd)

		w.handlerMu.Lock()
		handler := w.handler
		w.handlerMu.Unlock()
		handler(data)
	}
}

// Close sends a close frame and releases the connection
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		close(w.done)

		w.writeMu.Lock()
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		w.writeMu.Unlock()

		err = w.conn.Close()
	})
	return err
}

// Done is closed once the connection is gone
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}
