// Package proxyserver binds the loopback listener and runs the HTTP accept
// loop (component C12), wiring the router, shutdown coordinator, and
// connection-drain bookkeeping together into one running server.
package proxyserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/firasghr/anyclaude-proxy/internal/config"
	"github.com/firasghr/anyclaude-proxy/internal/router"
	"github.com/firasghr/anyclaude-proxy/internal/shutdown"
	"github.com/firasghr/anyclaude-proxy/logger"
)

// maxPortWalk bounds how many sequential ports TryBind will attempt past
// the configured one before giving up.
const maxPortWalk = 100

// Server owns a pre-bound listener and the http.Server that will eventually
// consume it. Binding (TryBind) and serving (Run) are split so the caller
// can log the resolved address before blocking, and so there is no
// bind-then-rebind TOCTOU window between "tell the operator the port" and
// "actually listen on it".
type Server struct {
	listener net.Listener
	http     *http.Server
	sd       *shutdown.Coordinator
	log      *logger.Logger
}

// TryBind binds a TCP listener starting at binding.Host:binding.Port. If the
// port is in use, it walks up to maxPortWalk subsequent ports looking for a
// free one. The returned Server's Addr() reports whichever port actually
// bound.
func TryBind(binding config.ProxyBinding, log *logger.Logger) (*Server, error) {
	host := binding.Host
	if host == "" {
		host = "127.0.0.1"
	}

	var lastErr error
	for offset := 0; offset <= maxPortWalk; offset++ {
		port := binding.Port + offset
		addr := fmt.Sprintf("%s:%d", host, port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if offset > 0 {
				log.Warnf("port %d was in use; bound %s instead", binding.Port, addr)
			}
			return &Server{listener: ln, log: log}, nil
		}
		lastErr = err
		if !isAddrInUse(err) {
			break
		}
	}
	return nil, fmt.Errorf("proxyserver: failed to bind near %s:%d: %w", host, binding.Port, lastErr)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Addr reports the actual bound address, valid only after a successful
// TryBind.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run assembles the middleware chain around rt, starts serving on the
// pre-bound listener, installs the shutdown hook, and blocks until shutdown
// is signalled and in-flight connections have drained (or the drain
// deadline elapses). It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context, rt *router.Router, sd *shutdown.Coordinator) error {
	s.sd = sd
	handler := s.withConnectionTracking(rt)

	s.http = &http.Server{
		Handler: handler,
		// WriteTimeout must stay 0: SSE responses are long-lived and an
		// enforced write deadline would sever a stream mid-thinking-block.
		WriteTimeout: 0,
		ReadTimeout:  0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		err := s.http.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-sd.Done():
	case <-ctx.Done():
		sd.SignalShutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("proxyserver: graceful http shutdown error: %v", err)
	}

	if !sd.Drain() {
		s.log.Warn("proxyserver: drain deadline exceeded; exiting with connections still active")
	}

	return <-serveErr
}

// withConnectionTracking wraps rt so every accepted request is registered
// with the shutdown coordinator's connection counter for the duration of
// its handling, and new requests are rejected once shutdown has begun.
func (s *Server) withConnectionTracking(rt *router.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sd.ShuttingDown() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		done := s.sd.BeginConnection()
		defer done()
		rt.ServeHTTP(w, r)
	})
}
