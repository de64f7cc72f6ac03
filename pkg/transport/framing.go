package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mash-protocol/mpt/pkg/log"
)

// Framing constants.
const (
	// DefaultMaxLineLength is the default maximum line length, without
	// terminator (64 KB).
	DefaultMaxLineLength = 65536

	// lineTerminator is written after every line.
	lineTerminator = "\r\n"
)

// Framing errors.
var (
	// ErrLineTooLong indicates the line exceeds the maximum length.
	ErrLineTooLong = errors.New("line too long")

	// ErrLineTruncated indicates the stream ended in the middle of a line.
	ErrLineTruncated = errors.New("line truncated")

	// ErrInvalidLine indicates a line to write contains a line break.
	ErrInvalidLine = errors.New("line contains CR or LF")
)

// LineWriter writes CRLF-terminated lines to an underlying writer.
type LineWriter struct {
	w             io.Writer
	maxLineLength int
	mu            sync.Mutex

	// Logging support (optional)
	logger    log.Logger
	sessionID string
}

// NewLineWriter creates a new line writer.
func NewLineWriter(w io.Writer) *LineWriter {
	return NewLineWriterWithMax(w, DefaultMaxLineLength)
}

// NewLineWriterWithMax creates a line writer with a custom maximum length.
func NewLineWriterWithMax(w io.Writer, maxLen int) *LineWriter {
	return &LineWriter{
		w:             w,
		maxLineLength: maxLen,
	}
}

// SetLogger configures logging for this writer.
// Pass nil to disable logging.
func (lw *LineWriter) SetLogger(logger log.Logger, sessionID string) {
	lw.logger = logger
	lw.sessionID = sessionID
}

// WriteLine writes line followed by CRLF.
// Thread-safe: can be called from multiple goroutines.
func (lw *LineWriter) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrInvalidLine
	}
	if len(line) > lw.maxLineLength {
		return fmt.Errorf("%w: %d > %d", ErrLineTooLong, len(line), lw.maxLineLength)
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := io.WriteString(lw.w, line+lineTerminator); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}

	if lw.logger != nil {
		lw.logger.Log(lineEvent(lw.sessionID, line, log.DirectionOut))
	}
	return nil
}

// LineReader reads CRLF- or LF-terminated lines from an underlying reader.
type LineReader struct {
	r             *bufio.Reader
	maxLineLength int

	// Logging support (optional)
	logger         log.Logger
	sessionID      string
	unloggedPrefix string
}

// NewLineReader creates a new line reader.
func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderWithMax(r, DefaultMaxLineLength)
}

// NewLineReaderWithMax creates a line reader with a custom maximum length.
func NewLineReaderWithMax(r io.Reader, maxLen int) *LineReader {
	return &LineReader{
		r:             bufio.NewReader(r),
		maxLineLength: maxLen,
	}
}

// SetLogger configures logging for this reader.
// Pass nil to disable logging.
func (lr *LineReader) SetLogger(logger log.Logger, sessionID string) {
	lr.logger = logger
	lr.sessionID = sessionID
}

// SetUnloggedPrefix stops line events for lines starting with prefix. The
// caller logs those lines itself. Empty logs every line.
func (lr *LineReader) SetUnloggedPrefix(prefix string) {
	lr.unloggedPrefix = prefix
}

// ReadLine reads one line and returns it without its terminator.
// It returns io.EOF only when the stream ends on a line boundary.
func (lr *LineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		// Two extra bytes for the terminator.
		if len(buf) > lr.maxLineLength+len(lineTerminator) {
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, lr.maxLineLength)
		}

		switch {
		case err == nil:
			line := trimTerminator(buf)
			if len(line) > lr.maxLineLength {
				return "", fmt.Errorf("%w: %d > %d", ErrLineTooLong, len(line), lr.maxLineLength)
			}
			if lr.logger != nil && (lr.unloggedPrefix == "" || !strings.HasPrefix(line, lr.unloggedPrefix)) {
				lr.logger.Log(lineEvent(lr.sessionID, line, log.DirectionIn))
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return "", io.EOF
			}
			return "", ErrLineTruncated
		default:
			return "", fmt.Errorf("failed to read line: %w", err)
		}
	}
}

// SetMaxLineLength updates the maximum line length.
func (lr *LineReader) SetMaxLineLength(n int) {
	lr.maxLineLength = n
}

// Framer combines line reading and writing.
type Framer struct {
	*LineReader
	*LineWriter
}

// NewFramer creates a new framer for bidirectional communication.
func NewFramer(rw io.ReadWriter) *Framer {
	return NewFramerWithMax(rw, DefaultMaxLineLength)
}

// NewFramerWithMax creates a framer with a custom maximum line length.
func NewFramerWithMax(rw io.ReadWriter, maxLen int) *Framer {
	return &Framer{
		LineReader: NewLineReaderWithMax(rw, maxLen),
		LineWriter: NewLineWriterWithMax(rw, maxLen),
	}
}

// SetLogger configures logging for both reader and writer.
// Pass nil to disable logging.
func (f *Framer) SetLogger(logger log.Logger, sessionID string) {
	f.LineReader.SetLogger(logger, sessionID)
	f.LineWriter.SetLogger(logger, sessionID)
}

func trimTerminator(b []byte) string {
	s := string(b)
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

func lineEvent(sessionID, line string, direction log.Direction) log.Event {
	return log.Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Direction: direction,
		Category:  log.CategoryLine,
		Line:      log.NewLineEvent(line),
	}
}
