package broker

import (
	"context"
	"log/slog"
	"net"
	"sync"
)

// Server accepts connections on a listener and runs one Session per
// connection until the listener closes or ctx is canceled.
type Server struct {
	listener net.Listener
	catalog  catalog
	verifier verifier
	devMode  bool
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewServer builds a Server that will accept sessions on listener.
func NewServer(listener net.Listener, cat catalog, v verifier, devMode bool, logger *slog.Logger) *Server {
	return &Server{
		listener: listener,
		catalog:  cat,
		verifier: v,
		devMode:  devMode,
		logger:   logger.With("component", "broker_server"),
	}
}

// Serve accepts connections until ctx is canceled or the listener errors.
// Each connection is handled by its own Session goroutine; Serve returns
// once the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-done:
				}
			}()

			session := NewSession(conn, s.catalog, s.verifier, s.devMode, s.logger)
			if err := session.Serve(ctx); err != nil {
				s.logger.Debug("session ended", "error", err)
			}
		}()
	}
}
