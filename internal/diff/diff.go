// Package diff turns the non-monotonic stream of recognizer hypotheses for
// one connection into spans of newly confirmed words.
//
// Detection is a literal-prefix heuristic: a partial that extends the
// previous partial character for character is growth, anything else is a
// revision and restarts the utterance. Revisions re-emit words the listener
// has already seen, so consumers must tolerate duplicate words.
package diff

import (
	"strings"

	"github.com/amanullahtanweer/badge-relay/internal/transcriber"
)

// Reason records why a span was produced.
type Reason int

const (
	// Growth: a partial extended the previous one.
	Growth Reason = iota
	// Revision: a partial did not extend the previous one and was re-emitted whole.
	Revision
	// Finalized: a final hypothesis closed the utterance.
	Finalized
	// Reset: a final hypothesis contradicted words already emitted.
	Reset
)

func (r Reason) String() string {
	switch r {
	case Revision:
		return "revision"
	case Finalized:
		return "final"
	case Reset:
		return "reset"
	default:
		return "partial"
	}
}

// Span is an ordered run of newly confirmed words.
type Span struct {
	Words  []string
	Reason Reason
}

// Text joins the words with single spaces.
func (s Span) Text() string {
	return strings.Join(s.Words, " ")
}

// Differencer holds the per-connection state. Not safe for concurrent use.
type Differencer struct {
	previousPartial string
	confirmed       []string
}

// New returns a Differencer at the start of an utterance.
func New() *Differencer {
	return &Differencer{}
}

// Apply consumes one hypothesis. ok is false when nothing new was confirmed;
// empty spans are never returned.
func (d *Differencer) Apply(h transcriber.Hypothesis) (span Span, ok bool) {
	if h.IsFinal() {
		span = d.applyFinal(h.Text)
	} else {
		span = d.applyPartial(h.Text)
	}
	return span, len(span.Words) > 0
}

func (d *Differencer) applyFinal(text string) Span {
	tokens := strings.Fields(text)

	span := Span{Reason: Reset, Words: tokens}
	if hasTokenPrefix(tokens, d.confirmed) {
		span = Span{Reason: Finalized, Words: tokens[len(d.confirmed):]}
	}

	d.previousPartial = ""
	d.confirmed = nil
	return span
}

func (d *Differencer) applyPartial(text string) Span {
	var span Span
	if strings.HasPrefix(text, d.previousPartial) {
		words := strings.Fields(strings.TrimSpace(text[len(d.previousPartial):]))
		d.confirmed = append(d.confirmed, words...)
		span = Span{Reason: Growth, Words: words}
	} else {
		words := strings.Fields(text)
		d.confirmed = append([]string(nil), words...)
		span = Span{Reason: Revision, Words: words}
	}

	d.previousPartial = text
	return span
}

// Confirmed returns a copy of the words emitted for the open utterance.
func (d *Differencer) Confirmed() []string {
	return append([]string(nil), d.confirmed...)
}

func hasTokenPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}
