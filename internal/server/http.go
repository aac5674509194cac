package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amanullahtanweer/badge-relay/internal/chunked"
	"github.com/amanullahtanweer/badge-relay/internal/pairing"
	"github.com/amanullahtanweer/badge-relay/internal/relay"
)

const (
	headerSampleRate = "x-audio-sample-rates"
	headerBits       = "x-audio-bits"
	headerChannels   = "x-audio-channel"
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", s.withMetrics("/upload", s.handleUpload))
	mux.HandleFunc("POST /audio", s.withMetrics("/audio", s.handleUpload))
	mux.HandleFunc("GET /audio", s.withMetrics("/audio", s.handleDownload))
	mux.HandleFunc("GET /pair", s.withMetrics("/pair", s.handlePair))
	mux.HandleFunc("GET /unpair", s.withMetrics("/unpair", s.handleUnpair))
	mux.HandleFunc("GET /health", s.withMetrics("/health", s.handleHealth))

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// withMetrics counts requests by method, route and status.
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)
		s.deps.Metrics.HTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode))
	}
}

// responseWriter captures the status code. Unwrap keeps Hijack reachable
// through http.ResponseController.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// recordStatus sets the counted status of a hijacked request, which never
// goes through WriteHeader.
func recordStatus(w http.ResponseWriter, code int) {
	if rw, ok := w.(*responseWriter); ok {
		rw.statusCode = code
	}
}

// badgeAddr identifies the badge behind a request.
func (s *Server) badgeAddr(r *http.Request) string {
	if s.config.BadgeHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(s.config.BadgeHeader)); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) uploadFormat(r *http.Request, badge string) audioFormat {
	return audioFormat{
		SampleRate: headerInt(r, headerSampleRate, s.config.SampleRate, badge),
		Bits:       headerInt(r, headerBits, s.config.Bits, badge),
		Channels:   headerInt(r, headerChannels, s.config.Channels, badge),
	}
}

func headerInt(r *http.Request, name string, defaultValue int, badge string) int {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		log.Printf("Upload %s: no %s header, using %d", badge, name, defaultValue)
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Upload %s: invalid %s header %q, using %d", badge, name, v, defaultValue)
		return defaultValue
	}
	return n
}

func isChunked(r *http.Request) bool {
	return len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked"
}

// handleUpload takes over the connection and decodes the chunked body
// itself, one chunk at a time, for as long as the badge keeps talking.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !isChunked(r) {
		http.Error(w, "chunked transfer encoding required", http.StatusBadRequest)
		return
	}

	badge := s.badgeAddr(r)
	format := s.uploadFormat(r, badge)

	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		log.Printf("Upload %s: failed to hijack connection: %v", badge, err)
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Time{})

	// Shutdown unblocks the pending chunk read.
	stop := context.AfterFunc(s.ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	if strings.EqualFold(r.Header.Get("Expect"), "100-continue") {
		rw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		if err := rw.Flush(); err != nil {
			log.Printf("Upload %s: failed to send 100 Continue: %v", badge, err)
			recordStatus(w, http.StatusBadRequest)
			return
		}
	}

	reader := chunked.NewReader(rw.Reader)
	reader.MaxSize = s.config.MaxChunkBytes

	if err := s.runUpload(s.ctx, badge, format, reader, nil); err != nil {
		// The connection is dropped without a response.
		if s.ctx.Err() != nil {
			recordStatus(w, http.StatusServiceUnavailable)
		} else {
			recordStatus(w, http.StatusBadRequest)
		}
		return
	}

	rw.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	if err := rw.Flush(); err != nil {
		log.Printf("Upload %s: failed to write response: %v", badge, err)
	}
}

// handleDownload streams peer audio to the badge until the relay goes idle.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	badge := s.badgeAddr(r)

	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		log.Printf("Listener %s: failed to hijack connection: %v", badge, err)
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Time{})

	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: application/octet-stream\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"%s: %d\r\n%s: %d\r\n%s: %d\r\n"+
		"Connection: close\r\n\r\n",
		headerSampleRate, s.config.SampleRate,
		headerBits, s.config.Bits,
		headerChannels, s.config.Channels)
	if err := rw.Flush(); err != nil {
		log.Printf("Listener %s: failed to write headers: %v", badge, err)
		return
	}

	log.Printf("Listener %s: stream started", badge)
	started := time.Now()
	cw := chunked.NewWriter(rw.Writer)

	err = s.deps.Router.Stream(s.ctx, badge, cw.WriteChunk)

	switch {
	case err == nil, errors.Is(err, relay.ErrReplaced), errors.Is(err, context.Canceled):
		if cerr := cw.Close(); cerr != nil {
			log.Printf("Listener %s: failed to close stream: %v", badge, cerr)
			return
		}
		reason := "idle"
		if err != nil {
			reason = err.Error()
		}
		log.Printf("Listener %s: stream ended after %v (%s)", badge, time.Since(started).Round(time.Millisecond), reason)
	default:
		log.Printf("Listener %s: stream aborted: %v", badge, err)
	}
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	badge := s.badgeAddr(r)
	peer := strings.TrimSpace(r.URL.Query().Get("with"))
	if peer == "" {
		http.Error(w, "missing with parameter", http.StatusBadRequest)
		return
	}

	s.deps.Router.Badge(badge)
	if err := s.deps.Pairs.Pair(r.Context(), badge, peer); err != nil {
		if errors.Is(err, pairing.ErrSelfPair) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Pairing: failed to pair %s with %s: %v", badge, peer, err)
		http.Error(w, "pairing failed", http.StatusInternalServerError)
		return
	}

	log.Printf("Pairing: %s <-> %s", badge, peer)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "paired")
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	badge := s.badgeAddr(r)
	if err := s.deps.Pairs.Unpair(r.Context(), badge); err != nil {
		log.Printf("Pairing: failed to unpair %s: %v", badge, err)
		http.Error(w, "unpairing failed", http.StatusInternalServerError)
		return
	}

	log.Printf("Pairing: %s unpaired", badge)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "unpaired")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"badges": s.deps.Router.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
