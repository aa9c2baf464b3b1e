package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Transport moves raw JSON-RPC payloads between the client and a tool
// provider. Implementations must tolerate concurrent Send calls; Receive
// calls are serialized by the caller, never concurrent.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// frameTransport speaks Content-Length framed JSON over an arbitrary
// reader/writer pair. Providers launched over stdio use their stdin/stdout
// as the pair.
type frameTransport struct {
	reader  *bufio.Reader
	writer  io.Writer
	closers []io.Closer

	writeMu sync.Mutex
}

// NewFrameTransport wraps a reader/writer pair in Content-Length framing.
// Any closers supplied are closed, in order, when the transport closes.
func NewFrameTransport(r io.Reader, w io.Writer, closers ...io.Closer) Transport {
	return &frameTransport{
		reader:  bufio.NewReader(r),
		writer:  w,
		closers: closers,
	}
}

func (t *frameTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := t.writer.Write(payload)
	return err
}

func (t *frameTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	length, err := t.readHeader()
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (t *frameTransport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// readHeader consumes header lines up to the blank separator and returns the
// announced body length.
func (t *frameTransport) readHeader() (int, error) {
	length := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			value := strings.TrimSpace(line[len("content-length:"):])
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, fmt.Errorf("mcp: bad Content-Length %q: %w", value, err)
			}
			length = n
		}
	}
	if length < 0 {
		return 0, errors.New("mcp: frame without Content-Length header")
	}
	return length, nil
}
