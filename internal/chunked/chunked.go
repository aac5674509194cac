// Package chunked reads and writes HTTP/1.1 chunked transfer framing over a
// connection that is already past its headers. Audio streams are long-lived,
// so chunks are surfaced one at a time instead of as a single body.
package chunked

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxSizeLine bounds the hex size line, including any chunk extension.
const maxSizeLine = 4096

var (
	// ErrMalformedSize is returned when a size line is not valid hexadecimal.
	ErrMalformedSize = errors.New("chunked: malformed chunk size")
	// ErrChunkTooLarge is returned when a chunk exceeds Reader.MaxSize.
	ErrChunkTooLarge = errors.New("chunked: chunk exceeds size limit")
	// ErrMissingTerminator is returned when a payload is not followed by CRLF.
	ErrMissingTerminator = errors.New("chunked: missing CRLF after chunk data")
	// ErrClosed is returned when writing after Close.
	ErrClosed = errors.New("chunked: write after close")
)

// Reader decodes chunks from a buffered connection.
type Reader struct {
	r *bufio.Reader

	// MaxSize rejects chunks larger than this many bytes. Zero means no limit.
	MaxSize int

	done bool
}

// NewReader wraps r. If r is already a *bufio.Reader it is used directly so
// bytes buffered during header parsing are not lost.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

// ReadChunk returns the next chunk payload. The zero-length terminal chunk
// yields io.EOF, and every later call does too. A connection that ends
// mid-chunk yields io.ErrUnexpectedEOF.
func (cr *Reader) ReadChunk() ([]byte, error) {
	if cr.done {
		return nil, io.EOF
	}

	size, err := cr.readSize()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		cr.done = true
		cr.skipTrailers()
		return nil, io.EOF
	}

	if cr.MaxSize > 0 && size > int64(cr.MaxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, size, cr.MaxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(cr.r, data); err != nil {
		return nil, unexpected(err)
	}

	var crlf [2]byte
	if _, err := io.ReadFull(cr.r, crlf[:]); err != nil {
		return nil, unexpected(err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return nil, ErrMissingTerminator
	}

	return data, nil
}

// readSize reads one size line and parses its hex value. Chunk extensions
// after ';' are ignored.
func (cr *Reader) readSize() (int64, error) {
	line, err := cr.readLine()
	if err != nil {
		return 0, err
	}

	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty size line", ErrMalformedSize)
	}

	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedSize, line)
	}
	return size, nil
}

func (cr *Reader) readLine() (string, error) {
	var b strings.Builder
	for {
		frag, err := cr.r.ReadSlice('\n')
		b.Write(frag)
		if b.Len() > maxSizeLine {
			return "", fmt.Errorf("%w: size line too long", ErrMalformedSize)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && b.Len() == 0 {
			// Connection closed between chunks without the terminal chunk.
			return "", io.ErrUnexpectedEOF
		}
		return "", unexpected(err)
	}

	line := b.String()
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("%w: size line not terminated by CRLF", ErrMalformedSize)
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

// skipTrailers consumes optional trailer lines and the blank line that
// closes the body. Clients that hang up right after "0\r\n" are tolerated.
func (cr *Reader) skipTrailers() {
	for {
		line, err := cr.readLine()
		if err != nil || line == "" {
			return
		}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes chunks. Each WriteChunk is flushed when the underlying
// writer supports it so listeners receive audio as it arrives.
type Writer struct {
	w      io.Writer
	closed bool
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

type flusher interface {
	Flush() error
}

// WriteChunk writes one chunk: uppercase hex length, CRLF, payload, CRLF.
// Empty payloads are skipped since a zero-length chunk ends the stream; use
// Close for that.
func (cw *Writer) WriteChunk(p []byte) error {
	if cw.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(cw.w, "%X\r\n", len(p)); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}
	if _, err := cw.w.Write(p); err != nil {
		return fmt.Errorf("failed to write chunk data: %w", err)
	}
	if _, err := io.WriteString(cw.w, "\r\n"); err != nil {
		return fmt.Errorf("failed to write chunk terminator: %w", err)
	}
	return cw.flush()
}

// Close writes the terminal zero-length chunk and the blank line that ends
// the body. It does not close the underlying writer.
func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	if _, err := io.WriteString(cw.w, "0\r\n\r\n"); err != nil {
		return fmt.Errorf("failed to write terminal chunk: %w", err)
	}
	return cw.flush()
}

func (cw *Writer) flush() error {
	if f, ok := cw.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush: %w", err)
		}
	}
	return nil
}
