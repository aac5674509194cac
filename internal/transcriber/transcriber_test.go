package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// scriptedEngine finalizes on every chunk containing "." and echoes the
// accumulated text otherwise.
type scriptedEngine struct {
	buf     []string
	final   string
	closed  bool
	failErr error
}

func (e *scriptedEngine) AcceptWaveform(chunk []byte) (bool, error) {
	if e.failErr != nil {
		return false, e.failErr
	}
	word := string(chunk)
	if word == "." {
		e.final = strings.Join(e.buf, " ")
		e.buf = nil
		return true, nil
	}
	e.buf = append(e.buf, word)
	return false, nil
}

func (e *scriptedEngine) Result() (string, error)        { return e.final, nil }
func (e *scriptedEngine) PartialResult() (string, error) { return strings.Join(e.buf, " "), nil }
func (e *scriptedEngine) FinalResult() (string, error) {
	text := strings.Join(e.buf, " ")
	e.buf = nil
	return text, nil
}
func (e *scriptedEngine) Close() error { e.closed = true; return nil }

func TestAdapterFeed(t *testing.T) {
	engine := &scriptedEngine{}
	adapter := NewAdapter(engine)

	steps := []struct {
		chunk string
		want  Hypothesis
	}{
		{"hello", Hypothesis{Text: "hello", Kind: Partial}},
		{"world", Hypothesis{Text: "hello world", Kind: Partial}},
		{".", Hypothesis{Text: "hello world", Kind: Final}},
		{"again", Hypothesis{Text: "again", Kind: Partial}},
	}

	for _, step := range steps {
		got, err := adapter.Feed([]byte(step.chunk))
		if err != nil {
			t.Fatalf("Feed(%q) failed: %v", step.chunk, err)
		}
		if got != step.want {
			t.Errorf("Feed(%q) = %+v, want %+v", step.chunk, got, step.want)
		}
	}

	got, err := adapter.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if got.Text != "again" || !got.IsFinal() {
		t.Errorf("Finish = %+v, want final %q", got, "again")
	}

	if again, _ := adapter.Finish(); again.Text != "" || !again.IsFinal() {
		t.Errorf("Second Finish = %+v, want empty final", again)
	}
	if _, err := adapter.Feed([]byte("late")); err == nil {
		t.Error("Expected error feeding after finish")
	}

	if err := adapter.Close(); err != nil || !engine.closed {
		t.Errorf("Expected engine closed, err=%v", err)
	}
}

func TestAdapterFeedError(t *testing.T) {
	boom := errors.New("boom")
	adapter := NewAdapter(&scriptedEngine{failErr: boom})

	if _, err := adapter.Feed([]byte("x")); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped engine error, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	if Partial.String() != "partial" || Final.String() != "final" {
		t.Errorf("Unexpected kind names: %s, %s", Partial, Final)
	}
}

// fakeVoskServer replies "partial" for each audio message until it has seen
// three, then a final result; eof yields a final result with the remainder.
func fakeVoskServer(t *testing.T, gotRate chan<- int) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var words []string
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if kind == websocket.TextMessage {
				var cfg voskConfig
				if json.Unmarshal(msg, &cfg) == nil && cfg.Config.SampleRate > 0 {
					gotRate <- cfg.Config.SampleRate
					continue
				}
				if strings.Contains(string(msg), "eof") {
					conn.WriteJSON(map[string]string{"text": strings.Join(words, " ")})
					return
				}
				continue
			}

			words = append(words, string(msg))
			if len(words) == 3 {
				conn.WriteJSON(map[string]string{"text": strings.Join(words, " ")})
				words = nil
				continue
			}
			conn.WriteJSON(map[string]string{"partial": strings.Join(words, " ")})
		}
	}))
}

func TestVoskEngine(t *testing.T) {
	rates := make(chan int, 1)
	srv := fakeVoskServer(t, rates)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	factory := NewVoskFactory(url, 2*time.Second)

	engine, err := factory(context.Background(), 16000)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	adapter := NewAdapter(engine)
	defer adapter.Close()

	select {
	case rate := <-rates:
		if rate != 16000 {
			t.Errorf("Expected sample rate 16000, got %d", rate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received config")
	}

	want := []Hypothesis{
		{Text: "one", Kind: Partial},
		{Text: "one two", Kind: Partial},
		{Text: "one two three", Kind: Final},
		{Text: "four", Kind: Partial},
	}
	for i, chunk := range []string{"one", "two", "three", "four"} {
		got, err := adapter.Feed([]byte(chunk))
		if err != nil {
			t.Fatalf("Feed %d failed: %v", i, err)
		}
		if got != want[i] {
			t.Errorf("Feed %d = %+v, want %+v", i, got, want[i])
		}
	}

	final, err := adapter.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if final.Text != "four" || !final.IsFinal() {
		t.Errorf("Finish = %+v, want final %q", final, "four")
	}
}

func TestVoskEngineDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := NewVoskEngine(ctx, "ws://127.0.0.1:1/ws", 16000, time.Second); err == nil {
		t.Error("Expected dial error")
	}
}
