package control

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-governor/pkg/domain"
	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

type ServerConfig struct {
	Address string
	Workers int
	// Timeout bounds reading the request and writing the reply
	Timeout time.Duration
}

const (
	DefaultPort    = 3114
	DefaultWorkers = 4
	DefaultTimeout = 5 * time.Second
)

// Server accepts connections and hands them to a fixed pool of workers
type Server struct {
	config   ServerConfig
	listener net.Listener
	conns    *connectionHandler
	logger   logging.Logger

	mutex     sync.Mutex
	isServing bool
}

// NewServer binds the listening socket right away so bind errors surface at startup
func NewServer(config ServerConfig, handler domain.Contract, logger logging.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.NewValidationError("control handler is required", nil)
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("address", config.Address)
	}

	return &Server{
		config:   config,
		listener: listener,
		conns: &connectionHandler{
			handler: handler,
			timeout: config.Timeout,
			logger:  logger,
		},
		logger: logger,
	}, nil
}

// Addr is the bound address, useful when listening on port 0
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port is the bound TCP port
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Serve blocks until ctx is cancelled, then closes the listener and waits for the workers
func (s *Server) Serve(ctx context.Context) error {
	s.mutex.Lock()
	if s.isServing {
		s.mutex.Unlock()
		return errors.NewValidationError("control server is already serving", nil)
	}
	s.isServing = true
	s.mutex.Unlock()

	s.logger.Infof("Control server listening on %s, workers: %d", s.listener.Addr(), s.config.Workers)

	jobs := make(chan net.Conn)
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conn := range jobs {
				s.conns.serve(ctx, conn)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		_ = s.listener.Close()
	}()

	var serveErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warnf("Temporary accept error: %v", err)
				continue
			}
			serveErr = errors.NewNetworkError("accept failed", err)
			break
		}

		select {
		case jobs <- conn:
		case <-ctx.Done():
			conn.Close()
		}
	}

	close(stopped)
	close(jobs)
	wg.Wait()

	s.logger.Infof("Control server stopped")
	return serveErr
}

// Close releases the listener of a server that never served
func (s *Server) Close() error {
	return s.listener.Close()
}
