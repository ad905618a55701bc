// ABOUTME: Content-Length framed reader and writer for JSON-RPC message streams
// ABOUTME: Same wire format on the editor side and the agent side of the backend

package jsonrpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultMaxBodySize caps the Content-Length a Reader will allocate for.
const DefaultMaxBodySize = 64 << 20

const headerContentLength = "Content-Length"

// maxHeaderLine bounds one header line, CRLF included. It is also the read
// buffer size, so a longer line surfaces as bufio.ErrBufferFull.
const maxHeaderLine = 4096

// Reader decodes framed messages from a byte stream. It is not safe for
// concurrent use; each stream has exactly one reading goroutine.
type Reader struct {
	r *bufio.Reader

	// MaxBodySize bounds a single message body. Zero means DefaultMaxBodySize.
	MaxBodySize int
}

// NewReader wraps r in a buffered framed reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, maxHeaderLine)}
}

// Read returns the next message. It returns io.EOF when the stream ends
// cleanly before the first header byte of a message, and a *FramingError
// for any malformed or truncated frame.
func (r *Reader) Read() (Message, error) {
	body, err := r.ReadRaw()
	if err != nil {
		return Message{}, err
	}
	msg, err := Unmarshal(body)
	if err != nil {
		return Message{}, framingErr("decoding message", err)
	}
	return msg, nil
}

// ReadRaw returns the next frame body without decoding it.
func (r *Reader) ReadRaw() ([]byte, error) {
	length := -1
	first := true
	for {
		line, err := r.readHeaderLine()
		if err != nil {
			if errors.Is(err, io.EOF) && first && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, framingErr("header line without CRLF", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("reading header: %w", err)
		}
		first = false
		if len(line) < 2 || line[len(line)-2] != '\r' {
			return nil, framingErr(fmt.Sprintf("header line %q not terminated by CRLF", line), nil)
		}
		line = line[:len(line)-2]
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, framingErr(fmt.Sprintf("header %q has no \": \" separator", line), nil)
		}
		if name != headerContentLength {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, framingErr("invalid Content-Length "+strconv.Quote(value), err)
		}
		if n < 0 {
			return nil, framingErr(fmt.Sprintf("negative Content-Length %d", n), nil)
		}
		length = n
	}

	if length < 0 {
		return nil, framingErr("missing Content-Length header", nil)
	}
	limit := r.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	if length > limit {
		return nil, framingErr(fmt.Sprintf("Content-Length %d exceeds limit %d", length, limit), nil)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, framingErr("truncated body", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if !utf8.Valid(body) {
		return nil, framingErr("body is not valid UTF-8", nil)
	}
	return body, nil
}

func (r *Reader) readHeaderLine() (string, error) {
	line, err := r.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", framingErr(fmt.Sprintf("header line longer than %d bytes", maxHeaderLine), nil)
	}
	return string(line), err
}

// Writer encodes framed messages. Each Write emits one complete frame and
// flushes; concurrent callers are serialized.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w in a buffered framed writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes and sends m.
func (w *Writer) Write(m Message) error {
	body, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Kind, err)
	}
	return w.WriteRaw(body)
}

// WriteRaw sends an already encoded body as one frame.
func (w *Writer) WriteRaw(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, "%s: %d\r\n\r\n", headerContentLength, len(body)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}
	return nil
}
