package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cdprelay/relay/internal/logging"
)

// ProcessManager owns the relay's single HTTP server for the lifetime of
// the process: Start binds the listener and blocks goroutine-free setup,
// Stop drains clients and the extension link in that order.
type ProcessManager struct {
	log logging.Logger

	mu         sync.Mutex
	httpServer *http.Server
	server     *Server
	started    bool
}

// NewProcessManager constructs a manager around an already-assembled
// Server and the address it should bind.
func NewProcessManager(server *Server, addr string) *ProcessManager {
	return &ProcessManager{
		log:    logging.Named("manager"),
		server: server,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: server.Handler(),
		},
	}
}

// Start binds the listener and serves in the background. It returns
// once the bind succeeds or fails; callers learn about post-bind serve
// errors (other than a clean Shutdown) via errCh.
func (m *ProcessManager) Start() (errCh <-chan error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("relay: already started")
	}

	ch := make(chan error, 1)
	ln, err := net.Listen("tcp", m.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("relay: bind %s: %w", m.httpServer.Addr, err)
	}

	go func() {
		serveErr := m.httpServer.Serve(ln)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			ch <- serveErr
		}
		close(ch)
	}()

	m.started = true
	m.log.Infof("listening on %s", m.httpServer.Addr)
	return ch, nil
}

// Stop performs graceful shutdown: stop accepting new connections, tear
// every client down with synthesized detach events, then close the
// extension link last.
func (m *ProcessManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
		m.log.Warnf("http shutdown: %v", err)
	}

	m.server.Shutdown()
	m.log.Info("shutdown complete")
	return nil
}
