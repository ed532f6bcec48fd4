package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrClosed is returned by degraded terminals once their message is drained.
var ErrClosed = errors.New("terminal closed")

// UnsupportedPTY stands in for a terminal on backends that cannot provide
// one. The first Read yields the message, writes are discarded and Wait
// reports exit code 1.
type UnsupportedPTY struct {
	mu      sync.Mutex
	message string
	closed  bool
}

func NewUnsupportedPTY(message string) *UnsupportedPTY {
	return &UnsupportedPTY{message: message}
}

func (p *UnsupportedPTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.message == "" {
		return 0, ErrClosed
	}
	n := copy(buf, p.message)
	p.message = p.message[n:]
	return n, nil
}

func (p *UnsupportedPTY) Write(buf []byte) (int, error) {
	return len(buf), nil
}

func (p *UnsupportedPTY) Resize(context.Context, int, int) error {
	return nil
}

func (p *UnsupportedPTY) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *UnsupportedPTY) Wait(context.Context) (int, error) {
	return 1, nil
}

// UnsupportedStream is the streaming-exec counterpart of UnsupportedPTY.
// Stdout is empty and the message arrives on Stderr.
type UnsupportedStream struct {
	mu     sync.Mutex
	stderr io.Reader
	closed bool
}

func NewUnsupportedStream(message string) *UnsupportedStream {
	return &UnsupportedStream{stderr: strings.NewReader(message)}
}

func (s *UnsupportedStream) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (s *UnsupportedStream) Stderr() io.Reader {
	return s.stderr
}

func (s *UnsupportedStream) Write(buf []byte) (int, error) {
	return len(buf), nil
}

func (s *UnsupportedStream) CloseWrite() error {
	return nil
}

func (s *UnsupportedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *UnsupportedStream) Wait(context.Context) (int, error) {
	return 1, nil
}
