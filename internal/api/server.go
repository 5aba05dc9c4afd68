package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/infrastructure/config"
	"github.com/nerrad567/udmi-device/internal/infrastructure/logging"
	"github.com/nerrad567/udmi-device/internal/managers/pointset"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StateSource is the runtime surface the server reads.
type StateSource interface {
	DeviceID() string
	Phase() device.Phase
	State() udmi.State
	Config() udmi.Document
}

// PointSource lists points and accepts commissioning overrides.
type PointSource interface {
	Points() []pointset.Point
	SetPointValue(name string, value any) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.DiagnosticsConfig
	Logger  *logging.Logger
	Runtime StateSource
	Points  PointSource // optional
	Metrics *metrics.Metrics
	Version string
}

// Server is the diagnostics HTTP server.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg     config.DiagnosticsConfig
	logger  *logging.Logger
	runtime StateSource
	points  PointSource
	metrics *metrics.Metrics
	version string
	server  *http.Server
	stream  *Stream
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies. The server is
// not started until Start is called, but its stream accepts publishes
// immediately.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		runtime: deps.Runtime,
		points:  deps.Points,
		metrics: deps.Metrics,
		version: deps.Version,
		stream:  NewStream(deps.Logger, deps.Metrics),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.stream.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("diagnostics API starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics API error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("diagnostics API shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down diagnostics API: %w", err)
	}
	return nil
}

// HealthCheck verifies the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// ObservePublish relays outbound documents to WebSocket clients. It has the
// shape of a dispatcher publish observer. The channel is the topic channel,
// e.g. "state" or "events/pointset".
func (s *Server) ObservePublish(deviceID, channel string, payload []byte) {
	s.stream.Publish(deviceID, channel, payload)
}
