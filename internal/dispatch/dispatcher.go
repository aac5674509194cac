// Package dispatch delivers word spans to badges. One worker drains one
// shared queue, so spans go out in the order they were queued. Delivery is
// best effort: a failed POST is logged and the span is not retried.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/badge-relay/internal/metrics"
	"github.com/amanullahtanweer/badge-relay/internal/mqtt"
	"github.com/amanullahtanweer/badge-relay/internal/pairing"
)

// Span is a run of newly confirmed words attributed to the badge that
// spoke them.
type Span struct {
	Badge  string
	Words  []string
	Reason string
}

// Text joins the words with single spaces.
func (s Span) Text() string {
	return strings.Join(s.Words, " ")
}

// PeerLister lists every known badge other than the given one.
type PeerLister interface {
	Peers(addr string) []string
}

// Mirror receives a copy of every queued span.
type Mirror interface {
	PublishSpan(ev mqtt.SpanEvent) error
}

// Config controls the dispatcher.
type Config struct {
	// BaseURL maps a badge address to the root URL of its HTTP server.
	BaseURL   func(badge string) string
	Timeout   time.Duration
	QueueSize int
}

// Dispatcher owns the delivery queue and its worker.
type Dispatcher struct {
	config  Config
	client  *http.Client
	pairs   pairing.Store
	peers   PeerLister
	queue   chan Span
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	mirror  Mirror
	metrics *metrics.Metrics
}

// New creates a dispatcher. Spans from a paired badge go to its peer, spans
// from an unpaired badge go to every other known badge.
func New(config Config, pairs pairing.Store, peers PeerLister, m *metrics.Metrics) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		pairs:   pairs,
		peers:   peers,
		queue:   make(chan Span, config.QueueSize),
		stop:    make(chan struct{}),
		metrics: m,
	}
}

// SetMirror attaches an optional mirror. Call before Start.
func (d *Dispatcher) SetMirror(mirror Mirror) {
	d.mirror = mirror
}

// Start launches the worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop delivers what is already queued and waits for the worker.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Enqueue queues span without blocking. Empty spans are ignored; spans that
// do not fit in the queue are dropped and logged.
func (d *Dispatcher) Enqueue(span Span) {
	if len(span.Words) == 0 {
		return
	}

	select {
	case <-d.stop:
		log.Printf("Dispatcher: stopped, dropping span from %s", span.Badge)
		d.metrics.Drop("dispatch")
		return
	default:
	}

	select {
	case d.queue <- span:
	default:
		log.Printf("Dispatcher: queue full, dropping span from %s: %q", span.Badge, span.Text())
		d.metrics.Drop("dispatch")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case span := <-d.queue:
			d.deliver(span)
		case <-d.stop:
			for {
				select {
				case span := <-d.queue:
					d.deliver(span)
				default:
					return
				}
			}
		}
	}
}

// Targets resolves where a span from badge goes.
func (d *Dispatcher) Targets(ctx context.Context, badge string) []string {
	peer, err := d.pairs.Peer(ctx, badge)
	if err == nil {
		return []string{peer}
	}
	if !errors.Is(err, pairing.ErrNotPaired) {
		log.Printf("Dispatcher: failed to look up pairing of %s: %v", badge, err)
	}
	return d.peers.Peers(badge)
}

func (d *Dispatcher) deliver(span Span) {
	if d.mirror != nil {
		ev := mqtt.SpanEvent{Badge: span.Badge, Words: span.Words, Reason: span.Reason, Timestamp: time.Now()}
		if err := d.mirror.PublishSpan(ev); err != nil {
			log.Printf("Dispatcher: mirror of span from %s failed: %v", span.Badge, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	targets := d.Targets(ctx, span.Badge)
	cancel()

	if len(targets) == 0 {
		log.Printf("Dispatcher: no target for span from %s: %q", span.Badge, span.Text())
		d.metrics.Delivery("no_target")
		return
	}

	for _, target := range targets {
		if err := d.post(target, span.Text()); err != nil {
			log.Printf("Dispatcher: delivery from %s to %s failed: %v", span.Badge, target, err)
			d.metrics.Delivery("error")
			continue
		}
		d.metrics.Delivery("ok")
	}
}

func (d *Dispatcher) post(target, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	url := d.config.BaseURL(target) + "/transcription"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(text))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
