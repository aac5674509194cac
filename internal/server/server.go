package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amanullahtanweer/badge-relay/internal/dispatch"
	"github.com/amanullahtanweer/badge-relay/internal/metrics"
	"github.com/amanullahtanweer/badge-relay/internal/pairing"
	"github.com/amanullahtanweer/badge-relay/internal/relay"
	"github.com/amanullahtanweer/badge-relay/internal/transcriber"
)

type Config struct {
	Addr string
	// BadgeHeader, when set, overrides the remote IP as badge identity.
	BadgeHeader   string
	MaxChunkBytes int

	// Relay format; also the fallback for missing upload headers.
	SampleRate int
	Bits       int
	Channels   int

	OutputDir       string
	SaveTranscripts bool
}

// Notifier sends presence signals to badges.
type Notifier interface {
	Poke(target, speaker string)
	Unpoke(target string)
}

// SpanQueue accepts word spans for delivery.
type SpanQueue interface {
	Enqueue(span dispatch.Span)
}

// Deps are the collaborators a Server drives.
type Deps struct {
	Router   *relay.Router
	Engines  transcriber.EngineFactory
	Notifier Notifier
	Spans    SpanQueue
	Pairs    pairing.Store
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type Server struct {
	config    Config
	deps      Deps
	http      *http.Server
	listener  net.Listener
	startTime time.Time

	// ctx is cancelled on Shutdown and ends hijacked streams.
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func New(config Config, deps Deps) (*Server, error) {
	if config.SaveTranscripts && config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if deps.Router == nil {
		return nil, errors.New("server: router is required")
	}
	if deps.Pairs == nil {
		deps.Pairs = pairing.NewMemoryStore()
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.Bits <= 0 {
		config.Bits = 16
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		deps:      deps,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Listen binds the HTTP listener without serving yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	log.Printf("Badge relay listening on %s", listener.Addr())
	return nil
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends listener streams with the terminal
// chunk and unblocks uploads, then waits for their handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// track registers a hijacked stream with Shutdown. It reports false once
// Shutdown has begun; otherwise the caller must call s.wg.Done.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}
