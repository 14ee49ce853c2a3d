// Package app assembles the infergatewayd process: a pkg/gateway.Gateway
// plus the HTTP surface in front of it.
//
// Grounded on the teacher's `cmd/infer-gateway/app.Server`/`NewServer`:
// one struct owning the long-lived dependencies plus a Run(stopCh)
// entrypoint, generalized from the teacher's Kubernetes-informer-backed
// store to this module's in-process pkg/gateway.Gateway.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/matrixinfer-ai/infercore/internal/config"
	"github.com/matrixinfer-ai/infercore/internal/obs"
	"github.com/matrixinfer-ai/infercore/pkg/gateway"
)

var log = obs.NewLogger("infergatewayd")

const gracefulShutdownTimeout = 15 * time.Second

// Server owns the gateway and the HTTP listener in front of it.
type Server struct {
	cfg config.Config
	gw  *gateway.Gateway
}

// NewServer loads cfg (a possibly-empty path; "" uses built-in defaults
// plus environment overrides) and builds the gateway underneath it.
func NewServer(cfgPath string) (*Server, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("infergatewayd: loading config: %w", err)
	}

	gw, err := gateway.New(cfg, gateway.NativeBindings{})
	if err != nil {
		return nil, fmt.Errorf("infergatewayd: building gateway: %w", err)
	}

	return &Server{cfg: cfg, gw: gw}, nil
}

// Run starts the KV-cache occupancy poller and the HTTP server, blocking
// until ctx is cancelled, then drains in-flight work within
// gracefulShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go s.gw.PollKVCacheOccupancy(pollCtx, 5*time.Second)

	engine := newEngine(s.gw)
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: engine.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("infergatewayd listening on %s", s.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down infergatewayd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	s.gw.Shutdown()
	return nil
}
