package transcriber

import (
	"context"
	"fmt"
)

// Engine is the streaming contract of a speech recognizer. One Engine serves
// exactly one audio stream; implementations are not safe for concurrent use.
type Engine interface {
	// AcceptWaveform feeds raw PCM and reports whether an utterance just
	// finalized.
	AcceptWaveform(chunk []byte) (bool, error)
	// Result returns the text of the utterance finalized by the last
	// AcceptWaveform call that returned true.
	Result() (string, error)
	// PartialResult returns the best guess over the still-open utterance.
	PartialResult() (string, error)
	// FinalResult flushes any unfinalized audio at end of stream.
	FinalResult() (string, error)
	Close() error
}

// EngineFactory opens a new Engine for a stream at the given sample rate.
type EngineFactory func(ctx context.Context, sampleRate int) (Engine, error)

// Kind tags a hypothesis as tentative or confirmed.
type Kind int

const (
	Partial Kind = iota
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Hypothesis is one recognizer guess, passed through without post-processing.
type Hypothesis struct {
	Text string
	Kind Kind
}

// IsFinal reports whether the hypothesis closes an utterance.
func (h Hypothesis) IsFinal() bool {
	return h.Kind == Final
}

// Adapter wraps one Engine for one upload.
type Adapter struct {
	engine   Engine
	finished bool
}

// NewAdapter wraps engine. The Adapter owns it and closes it in Close.
func NewAdapter(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// Feed passes one audio chunk to the engine and returns its current
// hypothesis.
func (a *Adapter) Feed(chunk []byte) (Hypothesis, error) {
	if a.finished {
		return Hypothesis{}, fmt.Errorf("feed after finish")
	}

	final, err := a.engine.AcceptWaveform(chunk)
	if err != nil {
		return Hypothesis{}, fmt.Errorf("failed to feed audio: %w", err)
	}

	if final {
		text, err := a.engine.Result()
		if err != nil {
			return Hypothesis{}, fmt.Errorf("failed to read result: %w", err)
		}
		return Hypothesis{Text: text, Kind: Final}, nil
	}

	text, err := a.engine.PartialResult()
	if err != nil {
		return Hypothesis{}, fmt.Errorf("failed to read partial result: %w", err)
	}
	return Hypothesis{Text: text, Kind: Partial}, nil
}

// Finish flushes the engine once at end of stream. Later calls return an
// empty final hypothesis.
func (a *Adapter) Finish() (Hypothesis, error) {
	if a.finished {
		return Hypothesis{Kind: Final}, nil
	}
	a.finished = true

	text, err := a.engine.FinalResult()
	if err != nil {
		return Hypothesis{}, fmt.Errorf("failed to flush final result: %w", err)
	}
	return Hypothesis{Text: text, Kind: Final}, nil
}

// Close releases the engine.
func (a *Adapter) Close() error {
	return a.engine.Close()
}
