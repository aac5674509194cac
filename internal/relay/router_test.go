package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push([]byte{byte(i)})
	}
	if q.Len() != 5 {
		t.Fatalf("Expected 5 queued, got %d", q.Len())
	}

	for i := 0; i < 5; i++ {
		chunk, ok := q.Pop(context.Background(), 10*time.Millisecond)
		if !ok || chunk[0] != byte(i) {
			t.Fatalf("Pop %d = %v, %v", i, chunk, ok)
		}
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	if _, ok := q.Pop(context.Background(), 50*time.Millisecond); ok {
		t.Fatal("Expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Pop returned after %v, before the wait elapsed", elapsed)
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push([]byte("late"))
	}()

	chunk, ok := q.Pop(context.Background(), time.Second)
	if !ok || string(chunk) != "late" {
		t.Fatalf("Expected pushed chunk, got %q, %v", chunk, ok)
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Push([]byte("a"))
	q.Close()

	if q.Push([]byte("b")) {
		t.Error("Expected push after close to be rejected")
	}
	if chunk, ok := q.Pop(context.Background(), time.Second); !ok || string(chunk) != "a" {
		t.Errorf("Expected queued chunk to drain after close, got %q, %v", chunk, ok)
	}

	start := time.Now()
	if _, ok := q.Pop(context.Background(), time.Second); ok {
		t.Error("Expected closed queue to be empty")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected closed queue to return without waiting")
	}
}

func TestQueuePopContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Pop(ctx, time.Second); ok {
		t.Error("Expected cancelled pop to fail")
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	router := NewRouter(time.Second, nil)
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

	queues := make(map[string]*Queue)
	for _, addr := range addrs {
		queues[addr] = router.Listen(addr)
	}

	for _, from := range addrs {
		if n := router.Broadcast(from, []byte(from)); n != len(addrs)-1 {
			t.Errorf("Broadcast from %s reached %d queues, want %d", from, n, len(addrs)-1)
		}
	}

	for addr, q := range queues {
		if q.Len() != len(addrs)-1 {
			t.Errorf("%s: expected %d chunks, got %d", addr, len(addrs)-1, q.Len())
		}
		for q.Len() > 0 {
			chunk, _ := q.Pop(context.Background(), time.Millisecond)
			if string(chunk) == addr {
				t.Errorf("%s received its own audio", addr)
			}
		}
	}
}

func TestBroadcastIgnoresNonListeners(t *testing.T) {
	router := NewRouter(time.Second, nil)
	router.StartUpload("10.0.0.1")
	router.Badge("10.0.0.2")

	if n := router.Broadcast("10.0.0.1", []byte("x")); n != 0 {
		t.Errorf("Expected no deliveries without listeners, got %d", n)
	}
}

func TestSpeakingState(t *testing.T) {
	router := NewRouter(time.Second, nil)

	router.StartUpload("a")
	router.StartUpload("a")
	if !router.Speaking("a") {
		t.Fatal("Expected a speaking")
	}
	if router.AnySpeakingExcept("a") {
		t.Error("Only a is speaking")
	}
	if !router.AnySpeakingExcept("b") {
		t.Error("Expected a to count as speaking for b")
	}

	router.EndUpload("a")
	if !router.Speaking("a") {
		t.Error("Expected a still speaking with one upload open")
	}
	router.EndUpload("a")
	router.EndUpload("a")
	if router.Speaking("a") {
		t.Error("Expected a silent after all uploads ended")
	}
	if router.Speaking("unknown") {
		t.Error("Unknown badge cannot be speaking")
	}
}

func TestPeersAndStats(t *testing.T) {
	router := NewRouter(time.Second, nil)
	router.Badge("c")
	router.StartUpload("a")
	router.Listen("b")

	peers := router.Peers("a")
	if fmt.Sprint(peers) != "[b c]" {
		t.Errorf("Expected peers [b c], got %v", peers)
	}

	stats := router.Stats()
	if stats != (Stats{Known: 3, Listening: 1, Speaking: 1}) {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestStreamEndsWhenIdle(t *testing.T) {
	wait := 50 * time.Millisecond
	router := NewRouter(wait, nil)

	start := time.Now()
	err := router.Stream(context.Background(), "listener", func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("Expected idle end, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > wait+100*time.Millisecond {
		t.Errorf("Stream ended after %v, expected within one idle window", elapsed)
	}
	if router.Badge("listener").Listening() {
		t.Error("Expected queue removed after stream end")
	}
}

func TestStreamEndsOneWindowAfterLastChunk(t *testing.T) {
	wait := 50 * time.Millisecond
	router := NewRouter(wait, nil)

	var lastChunk time.Time
	done := make(chan error, 1)
	go func() {
		done <- router.Stream(context.Background(), "l", func([]byte) error {
			lastChunk = time.Now()
			return nil
		})
	}()

	waitListening(t, router, "l")
	router.Broadcast("s", []byte("x"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected idle end, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stream did not end")
	}
	if lastChunk.IsZero() {
		t.Fatal("Listener never received the chunk")
	}
	if since := time.Since(lastChunk); since > wait+100*time.Millisecond {
		t.Errorf("Stream ended %v after last chunk", since)
	}
}

func TestStreamStaysOpenWhilePeerSpeaks(t *testing.T) {
	wait := 20 * time.Millisecond
	router := NewRouter(wait, nil)
	router.StartUpload("speaker")

	done := make(chan error, 1)
	go func() {
		done <- router.Stream(context.Background(), "l", func([]byte) error { return nil })
	}()

	select {
	case err := <-done:
		t.Fatalf("Stream ended while a peer was speaking: %v", err)
	case <-time.After(5 * wait):
	}

	router.EndUpload("speaker")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected idle end, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stream did not end after speaker stopped")
	}
}

func TestStreamOwnUploadDoesNotKeepAlive(t *testing.T) {
	router := NewRouter(20*time.Millisecond, nil)
	router.StartUpload("l")

	done := make(chan error, 1)
	go func() {
		done <- router.Stream(context.Background(), "l", func([]byte) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected idle end, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("A badge's own upload kept its listener alive")
	}
}

func TestStreamWriteFailure(t *testing.T) {
	router := NewRouter(time.Second, nil)
	broken := errors.New("connection reset")

	done := make(chan error, 1)
	go func() {
		done <- router.Stream(context.Background(), "l", func([]byte) error { return broken })
	}()

	waitListening(t, router, "l")
	router.Broadcast("s", []byte("x"))

	select {
	case err := <-done:
		if !errors.Is(err, broken) {
			t.Fatalf("Expected sink error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stream did not abort on write failure")
	}
	if router.Badge("l").Listening() {
		t.Error("Expected queue removed after write failure")
	}
}

func TestStreamReplaced(t *testing.T) {
	router := NewRouter(time.Second, nil)

	done := make(chan error, 1)
	go func() {
		done <- router.Stream(context.Background(), "l", func([]byte) error { return nil })
	}()
	waitListening(t, router, "l")

	newer := router.Listen("l")
	select {
	case err := <-done:
		if !errors.Is(err, ErrReplaced) {
			t.Fatalf("Expected ErrReplaced, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Old stream did not end")
	}

	if !router.Badge("l").Listening() {
		t.Error("Old stream removed the newer queue")
	}
	router.Unlisten("l", newer)
}

func TestStreamCancelled(t *testing.T) {
	router := NewRouter(time.Second, nil)
	router.StartUpload("speaker")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- router.Stream(ctx, "l", func([]byte) error { return nil })
	}()
	waitListening(t, router, "l")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stream ignored cancellation")
	}
}

func TestConcurrentUploadsPreserveProducerOrder(t *testing.T) {
	router := NewRouter(time.Second, nil)
	listener := router.Listen("c")
	const n = 200

	var wg sync.WaitGroup
	for _, from := range []string{"a", "b"} {
		wg.Add(1)
		go func(from string) {
			defer wg.Done()
			router.StartUpload(from)
			defer router.EndUpload(from)
			for i := 0; i < n; i++ {
				router.Broadcast(from, []byte(fmt.Sprintf("%s:%d", from, i)))
			}
		}(from)
	}
	wg.Wait()

	next := map[string]int{"a": 0, "b": 0}
	for listener.Len() > 0 {
		chunk, _ := listener.Pop(context.Background(), time.Millisecond)
		from, seq, found := strings.Cut(string(chunk), ":")
		i, err := strconv.Atoi(seq)
		if !found || err != nil {
			t.Fatalf("Unexpected chunk %q", chunk)
		}
		if i != next[from] {
			t.Fatalf("Producer %s out of order: got %d, want %d", from, i, next[from])
		}
		next[from]++
	}

	if next["a"] != n || next["b"] != n {
		t.Errorf("Expected %d chunks from each producer, got %v", n, next)
	}
}

func waitListening(t *testing.T, router *Router, addr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !router.Badge(addr).Listening() {
		if time.Now().After(deadline) {
			t.Fatalf("%s never started listening", addr)
		}
		time.Sleep(time.Millisecond)
	}
}
