// Package relay fans uploaded audio out to every other listening badge and
// tracks which badges are speaking.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/badge-relay/internal/metrics"
)

// DefaultIdleWait is how long a listener waits for audio before it checks
// whether anyone is still speaking.
const DefaultIdleWait = time.Second

// ErrReplaced ends a stream whose badge opened a newer listening stream.
var ErrReplaced = errors.New("relay: listener replaced by a newer stream")

// Badge is the relay state of one badge, keyed by network address.
type Badge struct {
	Addr string

	uploads atomic.Int32

	mu    sync.Mutex
	queue *Queue
}

// Speaking reports whether the badge has an upload in progress.
func (b *Badge) Speaking() bool {
	return b.uploads.Load() > 0
}

// Listening reports whether the badge has a download stream open.
func (b *Badge) Listening() bool {
	return b.currentQueue() != nil
}

func (b *Badge) currentQueue() *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue
}

// Router owns the badge registry. Badges are created on first contact and
// stay known for the life of the process.
type Router struct {
	badges   sync.Map // address -> *Badge
	idleWait time.Duration
	metrics  *metrics.Metrics
}

// NewRouter creates a router. A non-positive idleWait uses DefaultIdleWait.
// m may be nil.
func NewRouter(idleWait time.Duration, m *metrics.Metrics) *Router {
	if idleWait <= 0 {
		idleWait = DefaultIdleWait
	}
	return &Router{idleWait: idleWait, metrics: m}
}

// Badge returns the state for addr, creating it if needed.
func (r *Router) Badge(addr string) *Badge {
	if b, ok := r.badges.Load(addr); ok {
		return b.(*Badge)
	}
	b, _ := r.badges.LoadOrStore(addr, &Badge{Addr: addr})
	return b.(*Badge)
}

// StartUpload marks addr as speaking.
func (r *Router) StartUpload(addr string) {
	r.Badge(addr).uploads.Add(1)
}

// EndUpload clears the speaking mark set by StartUpload.
func (r *Router) EndUpload(addr string) {
	b := r.Badge(addr)
	if b.uploads.Add(-1) < 0 {
		b.uploads.Store(0)
	}
}

// Broadcast pushes chunk onto the queue of every listening badge except
// from and returns how many queues received it. The chunk is shared, so
// callers must not modify it afterwards.
func (r *Router) Broadcast(from string, chunk []byte) int {
	delivered := 0
	r.badges.Range(func(key, value any) bool {
		if key.(string) == from {
			return true
		}
		if q := value.(*Badge).currentQueue(); q != nil && q.Push(chunk) {
			delivered++
		}
		return true
	})
	r.metrics.ChunkRelayed(delivered)
	return delivered
}

// Listen opens a fresh relay queue for addr. An older queue of the same
// badge is closed, which ends its stream with ErrReplaced.
func (r *Router) Listen(addr string) *Queue {
	b := r.Badge(addr)
	q := NewQueue()

	b.mu.Lock()
	old := b.queue
	b.queue = q
	b.mu.Unlock()

	if old != nil {
		old.Close()
	} else {
		r.metrics.ListenerStarted()
	}
	return q
}

// Unlisten removes q from addr if it is still the badge's current queue.
func (r *Router) Unlisten(addr string, q *Queue) {
	b := r.Badge(addr)

	b.mu.Lock()
	removed := b.queue == q
	if removed {
		b.queue = nil
	}
	b.mu.Unlock()

	q.Close()
	if removed {
		r.metrics.ListenerStopped()
	}
}

// Speaking reports whether addr has an upload in progress.
func (r *Router) Speaking(addr string) bool {
	if b, ok := r.badges.Load(addr); ok {
		return b.(*Badge).Speaking()
	}
	return false
}

// AnySpeakingExcept reports whether any badge other than addr is speaking.
func (r *Router) AnySpeakingExcept(addr string) bool {
	found := false
	r.badges.Range(func(key, value any) bool {
		if key.(string) != addr && value.(*Badge).Speaking() {
			found = true
			return false
		}
		return true
	})
	return found
}

// Peers returns every known badge other than addr, sorted.
func (r *Router) Peers(addr string) []string {
	var peers []string
	r.badges.Range(func(key, _ any) bool {
		if k := key.(string); k != addr {
			peers = append(peers, k)
		}
		return true
	})
	sort.Strings(peers)
	return peers
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Known     int `json:"known"`
	Listening int `json:"listening"`
	Speaking  int `json:"speaking"`
}

// Stats counts known, listening and speaking badges.
func (r *Router) Stats() Stats {
	var s Stats
	r.badges.Range(func(_, value any) bool {
		b := value.(*Badge)
		s.Known++
		if b.Listening() {
			s.Listening++
		}
		if b.Speaking() {
			s.Speaking++
		}
		return true
	})
	return s
}

// Stream relays audio to addr through sink until no chunk arrived within
// the idle wait while no other badge is speaking. It returns nil on that
// idle end, ErrReplaced if the badge opened a newer stream, ctx.Err() on
// cancellation and the wrapped sink error on write failure. The queue is
// removed from the registry in every case.
func (r *Router) Stream(ctx context.Context, addr string, sink func([]byte) error) error {
	q := r.Listen(addr)
	defer r.Unlisten(addr, q)

	for {
		chunk, ok := q.Pop(ctx, r.idleWait)
		if err := ctx.Err(); err != nil {
			return err
		}

		if !ok {
			if q.Closed() {
				return ErrReplaced
			}
			if r.AnySpeakingExcept(addr) {
				continue
			}
			return nil
		}

		if err := sink(chunk); err != nil {
			return fmt.Errorf("failed to relay chunk: %w", err)
		}
	}
}
