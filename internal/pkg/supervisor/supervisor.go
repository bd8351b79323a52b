// Package supervisor runs the long-lived tasks of a binary under a suture
// supervisor, which restarts a failed task with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds supervisor tuning. Zero values use suture's defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig matches suture's built-in defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// New creates a supervisor whose lifecycle events are logged through logger.
func New(name string, logger *slog.Logger, cfg Config) *suture.Supervisor {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	return suture.New(name, suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

type funcService struct {
	name string
	fn   func(ctx context.Context) error
}

// Func adapts a blocking function to a suture.Service. fn must return when
// ctx is done.
func Func(name string, fn func(ctx context.Context) error) suture.Service {
	return &funcService{name: name, fn: fn}
}

func (s *funcService) Serve(ctx context.Context) error {
	return s.fn(ctx)
}

func (s *funcService) String() string {
	return s.name
}

type httpService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

// HTTPServer runs server as a service and shuts it down gracefully when the
// supervisor stops.
func HTTPServer(name string, server *http.Server) suture.Service {
	return &httpService{name: name, server: server, shutdownTimeout: 5 * time.Second}
}

func (s *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", s.name, err)
		}
		return ctx.Err()
	}
}

func (s *httpService) String() string {
	return s.name
}
