package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amanullahtanweer/badge-relay/internal/audio"
	"github.com/amanullahtanweer/badge-relay/internal/diff"
	"github.com/amanullahtanweer/badge-relay/internal/dispatch"
	"github.com/amanullahtanweer/badge-relay/internal/metrics"
	"github.com/amanullahtanweer/badge-relay/internal/transcriber"
	"github.com/amanullahtanweer/badge-relay/internal/transcript"
)

type audioFormat struct {
	SampleRate int
	Bits       int
	Channels   int
}

// chunkSource yields audio chunks until io.EOF.
type chunkSource interface {
	ReadChunk() ([]byte, error)
}

// upload is the state of one speaking stream.
type upload struct {
	server    *Server
	badge     string
	sessionID string
	convert   *audio.Converter
	adapter   *transcriber.Adapter
	differ    *diff.Differencer
	session   *metrics.SessionMetrics
	log       *transcript.Log
}

// runUpload relays every chunk from src to the other badges and feeds it to
// a recognizer. Relayed chunks pass through convert when it is set; the
// recognizer always gets the audio in format. It returns nil when src ends
// cleanly and the read error otherwise. Recognizer failures never end the
// upload.
func (s *Server) runUpload(ctx context.Context, badge string, format audioFormat, src chunkSource, convert *audio.Converter) error {
	u := &upload{
		server:    s,
		badge:     badge,
		sessionID: uuid.New().String(),
		convert:   convert,
		differ:    diff.New(),
	}
	u.session = metrics.NewSessionMetrics(badge, u.sessionID, format.SampleRate, format.Bits, format.Channels)

	log.Printf("Upload %s [%s]: started (%d Hz, %d bits, %d ch)", badge, u.shortID(), format.SampleRate, format.Bits, format.Channels)
	s.deps.Metrics.UploadStarted()
	s.deps.Router.StartUpload(badge)
	u.pokePeers()

	u.openTranscript(format)
	u.openRecognizer(ctx, format.SampleRate)

	err := u.relay(src)
	if err == nil {
		u.finish()
	}
	u.closeRecognizer()

	s.deps.Router.EndUpload(badge)
	u.unpokePeers()

	u.session.Finalize()
	s.deps.Metrics.UploadEnded(err != nil)

	reason := "complete"
	if err != nil {
		reason = err.Error()
		log.Printf("Upload %s [%s]: stream failed: %v", badge, u.shortID(), err)
	}
	if u.log != nil {
		u.log.LogEnd(u.sessionID, badge, time.Now(), reason)
		u.log.Close()
	}
	log.Printf("Upload %s [%s]: ended %s", badge, u.shortID(), u.session.Summary())
	return err
}

func (u *upload) shortID() string {
	return u.sessionID[:8]
}

func (u *upload) relay(src chunkSource) error {
	for {
		chunk, err := src.ReadChunk()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk: %w", err)
		}

		u.server.deps.Metrics.ChunkReceived(len(chunk))
		out := chunk
		if u.convert != nil {
			out = u.convert.Convert(chunk)
		}
		relayed := 0
		if len(out) > 0 {
			relayed = u.server.deps.Router.Broadcast(u.badge, out)
		}
		u.session.AddChunk(len(chunk), relayed)

		if u.adapter == nil {
			continue
		}
		h, err := u.adapter.Feed(chunk)
		if err != nil {
			log.Printf("Upload %s [%s]: recognizer failed, relaying without transcription: %v", u.badge, u.shortID(), err)
			u.closeRecognizer()
			continue
		}
		u.hypothesis(h)
	}
}

func (u *upload) openRecognizer(ctx context.Context, sampleRate int) {
	if u.server.deps.Engines == nil {
		return
	}
	engine, err := u.server.deps.Engines(ctx, sampleRate)
	if err != nil {
		log.Printf("Upload %s [%s]: recognizer unavailable, relaying without transcription: %v", u.badge, u.shortID(), err)
		return
	}
	u.adapter = transcriber.NewAdapter(engine)
}

func (u *upload) closeRecognizer() {
	if u.adapter == nil {
		return
	}
	if err := u.adapter.Close(); err != nil {
		log.Printf("Upload %s [%s]: failed to close recognizer: %v", u.badge, u.shortID(), err)
	}
	u.adapter = nil
}

// finish flushes the last utterance at end of stream.
func (u *upload) finish() {
	if u.adapter == nil {
		return
	}
	h, err := u.adapter.Finish()
	if err != nil {
		log.Printf("Upload %s [%s]: failed to flush recognizer: %v", u.badge, u.shortID(), err)
		return
	}
	u.hypothesis(h)
}

func (u *upload) hypothesis(h transcriber.Hypothesis) {
	u.session.AddHypothesis(h.IsFinal())
	if h.IsFinal() && u.log != nil && strings.TrimSpace(h.Text) != "" {
		u.log.LogFinal(u.sessionID, u.badge, h.Text)
	}

	span, ok := u.differ.Apply(h)
	if !ok {
		return
	}

	reason := span.Reason.String()
	u.server.deps.Metrics.WordSpan(reason)
	u.session.AddSpan(len(span.Words))
	if u.log != nil {
		u.log.LogSpan(u.sessionID, u.badge, span.Words, reason)
	}
	if u.server.deps.Spans != nil {
		u.server.deps.Spans.Enqueue(dispatch.Span{Badge: u.badge, Words: span.Words, Reason: reason})
	}
}

func (u *upload) openTranscript(format audioFormat) {
	cfg := u.server.config
	if !cfg.SaveTranscripts {
		return
	}
	l, err := transcript.Open(cfg.OutputDir, u.badge, u.sessionID, u.session.StartTime)
	if err != nil {
		log.Printf("Upload %s [%s]: transcript disabled: %v", u.badge, u.shortID(), err)
		return
	}
	u.log = l
	u.log.LogStart(u.sessionID, u.badge, u.session.StartTime, map[string]string{
		"sample_rate": strconv.Itoa(format.SampleRate),
		"bits":        strconv.Itoa(format.Bits),
		"channels":    strconv.Itoa(format.Channels),
	})
}

func (u *upload) pokePeers() {
	if u.server.deps.Notifier == nil {
		return
	}
	for _, peer := range u.server.deps.Router.Peers(u.badge) {
		u.server.deps.Notifier.Poke(peer, u.badge)
	}
}

// unpokePeers tells every badge that no longer hears anybody speaking.
func (u *upload) unpokePeers() {
	if u.server.deps.Notifier == nil {
		return
	}
	for _, peer := range u.server.deps.Router.Peers(u.badge) {
		if !u.server.deps.Router.AnySpeakingExcept(peer) {
			u.server.deps.Notifier.Unpoke(peer)
		}
	}
}
