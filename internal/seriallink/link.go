package seriallink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// maxLineLength caps ReadLine so a sender that never emits a newline cannot
// grow the buffer without bound.
const maxLineLength = 4096

// Link is a buffered, cancellable reader/writer over a serial port. Reads are
// expected to return (0, nil) when the port's read timeout elapses; Link uses
// those gaps to check the context.
type Link struct {
	port SerialPorter

	readMu  sync.Mutex
	pending []byte
	chunk   []byte

	writeMu sync.Mutex
}

// NewLink wraps port.
func NewLink(port SerialPorter) *Link {
	return &Link{
		port:  port,
		chunk: make([]byte, 256),
	}
}

// fill blocks until at least one more byte is pending. Callers hold readMu.
func (l *Link) fill(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := l.port.Read(l.chunk)
		if n > 0 {
			l.pending = append(l.pending, l.chunk[:n]...)
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read serial port: %w", err)
		}
		// read timeout elapsed with nothing on the wire
	}
}

// ReadByte blocks until one byte is available and returns it.
func (l *Link) ReadByte(ctx context.Context) (byte, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	if len(l.pending) == 0 {
		if err := l.fill(ctx); err != nil {
			return 0, err
		}
	}
	b := l.pending[0]
	l.pending = l.pending[1:]
	return b, nil
}

// ReadLine returns bytes up to and including the next '\n'. A line longer
// than maxLineLength is returned without its terminator; the remainder is
// left for the next read.
func (l *Link) ReadLine(ctx context.Context) ([]byte, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			return l.take(i + 1), nil
		}
		if len(l.pending) >= maxLineLength {
			return l.take(maxLineLength), nil
		}
		if err := l.fill(ctx); err != nil {
			return nil, err
		}
	}
}

func (l *Link) take(n int) []byte {
	line := make([]byte, n)
	copy(line, l.pending[:n])
	l.pending = l.pending[n:]
	return line
}

// Buffered reports how many received bytes have not been consumed yet.
func (l *Link) Buffered() int {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	return len(l.pending)
}

// Write sends p in full.
func (l *Link) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	n, err := l.port.Write(p)
	if err != nil {
		return fmt.Errorf("write serial port: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("write serial port: short write %d of %d bytes", n, len(p))
	}
	return nil
}

// Close closes the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}
