package presence

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/badge-relay/internal/mqtt"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.Method+" "+req.URL.Path)
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

type fakeMirror struct {
	mu     sync.Mutex
	events []mqtt.PresenceEvent
}

func (m *fakeMirror) PublishPresence(ev mqtt.PresenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func TestNotifierSendsInOrder(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	mirror := &fakeMirror{}
	n := New(Config{BaseURL: func(string) string { return srv.URL }}, nil)
	n.SetMirror(mirror)
	n.Start()

	n.Poke("10.0.0.2", "10.0.0.1")
	n.Unpoke("10.0.0.2")
	n.Poke("10.0.0.2", "10.0.0.3")
	n.Stop()

	got := rec.got()
	want := []string{"GET /poke", "GET /unpoke", "GET /poke"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if len(mirror.events) != 3 || mirror.events[0].Speaker != "10.0.0.1" || mirror.events[1].Kind != "unpoke" {
		t.Errorf("Unexpected mirrored events %+v", mirror.events)
	}
}

func TestNotifierSwallowsFailures(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer srv.Close()

	targets := map[string]string{
		"bad":  srv.URL,
		"dead": "http://127.0.0.1:1",
	}
	n := New(Config{
		BaseURL: func(badge string) string { return targets[badge] },
		Timeout: time.Second,
	}, nil)
	n.Start()

	n.Poke("dead", "x")
	n.Poke("bad", "x")
	n.Unpoke("bad")
	n.Stop()

	if got := rec.got(); len(got) != 2 {
		t.Errorf("Expected worker to keep going after failures, got %v", got)
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	n := New(Config{BaseURL: func(string) string { return srv.URL }, QueueSize: 1, Timeout: 5 * time.Second}, nil)
	n.Start()

	start := time.Now()
	for i := 0; i < 10; i++ {
		n.Poke("b", "a")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Queueing blocked the caller")
	}

	close(block)
	n.Stop()
}

func TestNotifierAfterStop(t *testing.T) {
	n := New(Config{BaseURL: func(string) string { return "http://127.0.0.1:1" }}, nil)
	n.Start()
	n.Stop()
	n.Stop()
	n.Poke("b", "a")
}
