package metrics

import (
	"fmt"
	"sync"
	"time"
)

// SessionMetrics accumulates per-upload counters for the end-of-upload
// summary log line.
type SessionMetrics struct {
	Badge        string
	SessionID    string
	SampleRate   int
	Bits         int
	Channels     int
	StartTime    time.Time
	EndTime      time.Time
	AudioBytes   int
	Chunks       int
	Relayed      int
	PartialCount int
	FinalCount   int
	SpanCount    int
	WordCount    int
	FirstSpan    *time.Time
	mu           sync.Mutex
}

func NewSessionMetrics(badge, sessionID string, sampleRate, bits, channels int) *SessionMetrics {
	return &SessionMetrics{
		Badge:      badge,
		SessionID:  sessionID,
		SampleRate: sampleRate,
		Bits:       bits,
		Channels:   channels,
		StartTime:  time.Now(),
	}
}

func (m *SessionMetrics) AddChunk(bytes, relayed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Chunks++
	m.AudioBytes += bytes
	m.Relayed += relayed
}

func (m *SessionMetrics) AddHypothesis(isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isFinal {
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) AddSpan(words int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstSpan == nil {
		now := time.Now()
		m.FirstSpan = &now
	}
	m.SpanCount++
	m.WordCount += words
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

// AudioDuration derives the uploaded audio length from the declared format.
func (m *SessionMetrics) AudioDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioDuration()
}

func (m *SessionMetrics) audioDuration() time.Duration {
	bytesPerSecond := m.SampleRate * m.Channels * (m.Bits / 8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(m.AudioBytes) / float64(bytesPerSecond) * float64(time.Second))
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.EndTime.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstSpan != nil {
		latency = m.FirstSpan.Sub(m.StartTime)
	}

	return fmt.Sprintf(
		"badge=%s session=%s duration=%v audio=%v bytes=%d chunks=%d relayed=%d "+
			"partials=%d finals=%d spans=%d words=%d first_span=%v",
		m.Badge,
		m.SessionID,
		duration.Round(time.Millisecond),
		m.audioDuration().Round(time.Millisecond),
		m.AudioBytes,
		m.Chunks,
		m.Relayed,
		m.PartialCount,
		m.FinalCount,
		m.SpanCount,
		m.WordCount,
		latency.Round(time.Millisecond),
	)
}
