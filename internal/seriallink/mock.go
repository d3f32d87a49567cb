package seriallink

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// ErrPortClosed is returned by the test ports after Close.
var ErrPortClosed = errors.New("serial port closed")

// MockPort replays a fixture on a loop to simulate the sensor board. Writes
// (acknowledgements) are discarded.
type MockPort struct {
	io.Reader
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}
}

// NewMockPort writes fixture into the port every interval until Close.
func NewMockPort(fixture []byte, interval time.Duration) *MockPort {
	r, w := io.Pipe()
	m := &MockPort{Reader: r, r: r, w: w, done: make(chan struct{})}
	log.Printf("replaying %d byte fixture every %v", len(fixture), interval)

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				if _, err := w.Write(fixture); err != nil {
					return
				}
			}
		}
	}()
	return m
}

func (m *MockPort) Write(p []byte) (int, error) {
	return len(p), nil
}

// Close stops the replay and unblocks readers.
func (m *MockPort) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.r.CloseWithError(ErrPortClosed)
	})
	return nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// TimeoutReads makes Read on an empty buffer wait ReadTimeout and return
	// (0, nil), like a real port with a read timeout. Otherwise an empty
	// buffer reads as io.EOF.
	TimeoutReads bool

	// ChunkSize limits how many bytes a single Read returns; zero means no
	// limit.
	ChunkSize int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		ReadTimeout: 5 * time.Millisecond,
	}
}

// Read reads from the read buffer, optionally simulating timeouts and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadBuffer.Len() == 0 && t.TimeoutReads {
		timeout := t.ReadTimeout
		t.mu.Unlock()
		time.Sleep(timeout)
		t.mu.Lock()
		if t.ReadBuffer.Len() == 0 {
			return 0, nil
		}
	}

	if t.ChunkSize > 0 && len(p) > t.ChunkSize {
		p = p[:t.ChunkSize]
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
