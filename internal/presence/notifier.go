// Package presence tells badges when a peer starts or stops speaking. Calls
// are queued and sent by one background worker so the audio path never
// waits on a badge.
package presence

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/badge-relay/internal/metrics"
	"github.com/amanullahtanweer/badge-relay/internal/mqtt"
)

// Kind is the notification sent to a badge.
type Kind string

const (
	Poke   Kind = "poke"
	Unpoke Kind = "unpoke"
)

// Mirror receives a copy of every notification.
type Mirror interface {
	PublishPresence(ev mqtt.PresenceEvent) error
}

// Config controls the notifier.
type Config struct {
	// BaseURL maps a badge address to the root URL of its HTTP server.
	BaseURL   func(badge string) string
	Timeout   time.Duration
	QueueSize int
}

type job struct {
	kind    Kind
	target  string
	speaker string
}

// Notifier sends poke/unpoke calls in the order they were queued.
type Notifier struct {
	config  Config
	client  *http.Client
	jobs    chan job
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mirror  Mirror
	metrics *metrics.Metrics
}

// New creates a notifier. Call Start before queueing.
func New(config Config, m *metrics.Metrics) *Notifier {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Notifier{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		jobs:    make(chan job, config.QueueSize),
		stop:    make(chan struct{}),
		metrics: m,
	}
}

// SetMirror attaches an optional mirror. Call before Start.
func (n *Notifier) SetMirror(mirror Mirror) {
	n.mirror = mirror
}

// Start launches the worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop sends what is already queued and waits for the worker to exit.
// Notifications queued after Stop are dropped.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()
}

// Poke tells target that speaker started speaking.
func (n *Notifier) Poke(target, speaker string) {
	n.enqueue(job{kind: Poke, target: target, speaker: speaker})
}

// Unpoke tells target that nobody is speaking anymore.
func (n *Notifier) Unpoke(target string) {
	n.enqueue(job{kind: Unpoke, target: target})
}

func (n *Notifier) enqueue(j job) {
	select {
	case <-n.stop:
		log.Printf("Presence: dropping %s for %s, notifier stopped", j.kind, j.target)
		n.metrics.Drop("presence")
		return
	default:
	}

	select {
	case n.jobs <- j:
	default:
		log.Printf("Presence: queue full, dropping %s for %s", j.kind, j.target)
		n.metrics.Drop("presence")
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case j := <-n.jobs:
			n.send(j)
		case <-n.stop:
			for {
				select {
				case j := <-n.jobs:
					n.send(j)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) send(j job) {
	if err := n.call(j); err != nil {
		log.Printf("Presence: %s to %s failed: %v", j.kind, j.target, err)
		n.metrics.Notification(string(j.kind), "error")
	} else {
		n.metrics.Notification(string(j.kind), "ok")
	}

	if n.mirror != nil {
		ev := mqtt.PresenceEvent{Badge: j.target, Kind: string(j.kind), Speaker: j.speaker, Timestamp: time.Now()}
		if err := n.mirror.PublishPresence(ev); err != nil {
			log.Printf("Presence: mirror of %s to %s failed: %v", j.kind, j.target, err)
		}
	}
}

func (n *Notifier) call(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
	defer cancel()

	url := n.config.BaseURL(j.target) + "/" + string(j.kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
