package audio

import (
	"fmt"
	"io"

	"github.com/CyCoreSystems/audiosocket"
)

// FrameSize is 20ms of 8kHz slin: 8000Hz * 20ms * 2 bytes. Smaller frames
// make Asterisk play audio in slow motion.
const FrameSize = audiosocket.DefaultSlinChunkSize

// SlinSink writes relayed PCM into an AudioSocket connection as slin
// messages, converting from the relay rate to the call rate on the way.
// Not safe for concurrent use.
type SlinSink struct {
	w    io.Writer
	conv *Converter
}

// NewSlinSink converts from inRate to outRate PCM written to w.
func NewSlinSink(w io.Writer, inRate, outRate int) (*SlinSink, error) {
	conv, err := NewConverter(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return &SlinSink{w: w, conv: conv}, nil
}

// Write sends chunk as frames of at most FrameSize bytes. Bytes that do not
// fill a whole sample group are held for the next chunk.
func (s *SlinSink) Write(chunk []byte) error {
	pcm := s.conv.Convert(chunk)
	for i := 0; i < len(pcm); i += FrameSize {
		end := i + FrameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if _, err := s.w.Write(audiosocket.SlinMessage(pcm[i:end])); err != nil {
			return fmt.Errorf("failed to send slin frame: %w", err)
		}
	}
	return nil
}
