// Package handshake implements the receiving side of the sensor board's
// framed UART protocol:
//
//	board -> REQUEST (0xA5)
//	board -> identity byte
//	board -> N lines of ASCII decimal, one sample per line
//	board -> STOP (0xB5)
//
// In the extended variant the receiver answers ACK (0x5A) after REQUEST,
// after a known identity and after a valid STOP, and answers STOP when the
// identity is unknown or the terminator is wrong.
//
// The link has no length prefix or checksum. When the machine is waiting for
// REQUEST and some other byte arrives, the default policy treats that byte as
// the identity byte, so a single dropped REQUEST costs one frame at most.
package handshake

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorlink/internal/frame"
	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// Control bytes.
const (
	Request byte = 0xA5
	Ack     byte = 0x5A
	Stop    byte = 0xB5
	End     byte = 0x5B
)

// State is the machine's position within one frame.
type State int32

const (
	AwaitingRequest State = iota
	AwaitingSensorID
	ReceivingPayload
	AwaitingStop
	Idle
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "AwaitingRequest"
	case AwaitingSensorID:
		return "AwaitingSensorId"
	case ReceivingPayload:
		return "ReceivingPayload"
	case AwaitingStop:
		return "AwaitingStop"
	case Idle:
		return "Idle"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Variant selects whether the receiver acknowledges.
type Variant int

const (
	// Minimal never writes to the link and does not check the stop byte.
	Minimal Variant = iota
	// Extended acknowledges each phase and validates the stop byte.
	Extended
)

func (v Variant) String() string {
	if v == Extended {
		return "extended"
	}
	return "minimal"
}

// RequestPolicy decides what happens to a byte that is not REQUEST while
// the machine is waiting for one.
type RequestPolicy int

const (
	// Resync treats the byte as a candidate identity byte.
	Resync RequestPolicy = iota
	// Strict reports a FramingError and discards the byte.
	Strict
)

func (p RequestPolicy) String() string {
	if p == Strict {
		return "strict"
	}
	return "resync"
}

// Options tune the protocol. The zero value is the minimal variant with
// resynchronisation.
type Options struct {
	Variant       Variant
	RequestPolicy RequestPolicy
	// DiscardAlternateLines reads two lines per sample and drops the second.
	// Older board firmware terminated every sample with "\n\n".
	DiscardAlternateLines bool
}

// Transport is the byte-oriented link the machine reads from.
type Transport interface {
	ReadByte(ctx context.Context) (byte, error)
	ReadLine(ctx context.Context) ([]byte, error)
	Buffered() int
	Write(ctx context.Context, p []byte) error
}

// Registry is the part of the sensor registry the machine uses.
type Registry interface {
	Lookup(id byte) (sensors.Descriptor, bool)
	Publish(id byte, samples []float64) error
}

// Commit describes a frame that was published to the registry.
type Commit struct {
	Sensor  sensors.Descriptor
	Samples []float64
	At      time.Time
}

// Observer is told about every cycle outcome. Implementations must not block.
type Observer interface {
	FrameCommitted(Commit)
	FrameFailed(error)
}

// Result is the outcome of one cycle. Commit and Failure can both be set when
// the extended variant commits a payload whose terminator was wrong.
type Result struct {
	Commit  *Commit
	Failure error
}

// Config wires a Machine.
type Config struct {
	Transport Transport
	Registry  Registry
	Options   Options
	// Observer is optional.
	Observer Observer
	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Machine runs the handshake. It is not safe for concurrent Step calls; run
// it on one goroutine.
type Machine struct {
	link     Transport
	registry Registry
	opts     Options
	observer Observer
	metrics  *monitoring.Metrics
	now      func() time.Time

	state atomic.Int32
}

// New creates a Machine.
func New(cfg Config) *Machine {
	m := &Machine{
		link:     cfg.Transport,
		registry: cfg.Registry,
		opts:     cfg.Options,
		observer: cfg.Observer,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
	m.state.Store(int32(AwaitingRequest))
	return m
}

// State returns the phase the machine is currently in.
func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// Run steps the machine until ctx is cancelled or the transport fails.
// Cycle-local failures are reported to the observer and never returned.
func (m *Machine) Run(ctx context.Context) error {
	monitoring.Logf("handshake started: variant=%s request-policy=%s", m.opts.Variant, m.opts.RequestPolicy)
	for {
		if _, err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one frame cycle from AwaitingRequest to Idle. The returned error
// is non-nil only for cancellation or a TransportError.
func (m *Machine) Step(ctx context.Context) (Result, error) {
	m.setState(AwaitingRequest)
	monitoring.Tracef("waiting for data on port (%d bytes buffered)", m.link.Buffered())

	b, err := m.readByte(ctx)
	if err != nil {
		return Result{}, err
	}

	id := b
	resync := b != Request
	if !resync {
		monitoring.Tracef("received request 0x%02X", b)
		if err := m.reply(ctx, Ack); err != nil {
			return Result{}, err
		}
		m.setState(AwaitingSensorID)
		if id, err = m.readByte(ctx); err != nil {
			return Result{}, err
		}
		monitoring.Tracef("received sensor id 0x%02X", id)
	} else {
		if m.opts.RequestPolicy == Strict {
			return m.fail(&FramingError{State: AwaitingRequest, Want: Request, Got: b}), nil
		}
		monitoring.Tracef("out of step: treating 0x%02X as sensor id", b)
	}

	desc, ok := m.registry.Lookup(id)
	if !ok {
		if err := m.reply(ctx, Stop); err != nil {
			return Result{}, err
		}
		return m.fail(&SensorNotFoundError{ID: id, Resync: resync}), nil
	}
	if err := m.reply(ctx, Ack); err != nil {
		return Result{}, err
	}

	m.setState(ReceivingPayload)
	payload := make([]float64, 0, desc.Length)
	for k := 0; k < desc.Length; k++ {
		line, err := m.readLine(ctx)
		if err != nil {
			return Result{}, err
		}
		v, err := frame.DecodeSample(line)
		if err != nil {
			return m.fail(&PayloadError{Sensor: desc.Name, Index: k, Length: desc.Length, Err: err}), nil
		}
		payload = append(payload, v)
		if m.opts.DiscardAlternateLines {
			if _, err := m.readLine(ctx); err != nil {
				return Result{}, err
			}
		}
	}
	monitoring.Tracef("received %d samples for %s", len(payload), desc.Name)

	m.setState(AwaitingStop)
	term, err := m.readByte(ctx)
	if err != nil {
		return Result{}, err
	}
	var framing error
	if m.opts.Variant == Extended {
		if term == Stop {
			err = m.reply(ctx, Ack)
		} else {
			framing = &FramingError{State: AwaitingStop, Want: Stop, Got: term}
			err = m.reply(ctx, Stop)
		}
		if err != nil {
			return Result{}, err
		}
	}
	monitoring.Tracef("received stop 0x%02X", term)

	if err := m.registry.Publish(desc.ID, payload); err != nil {
		return m.fail(err), nil
	}
	c := Commit{Sensor: desc, Samples: payload, At: m.now()}
	m.setState(Idle)
	m.metrics.FrameCommitted(desc.Name, len(payload))
	monitoring.Logf("sensor %s updated successfully (%d samples)", desc.Name, len(payload))
	if m.observer != nil {
		m.observer.FrameCommitted(c)
	}
	if framing != nil {
		m.report(framing)
	}
	return Result{Commit: &c, Failure: framing}, nil
}

// fail ends the cycle without a commit.
func (m *Machine) fail(err error) Result {
	m.setState(Idle)
	m.report(err)
	return Result{Failure: err}
}

func (m *Machine) report(err error) {
	m.metrics.FrameFailed(failureKind(err))
	monitoring.Logf("handshake: %v", err)
	if m.observer != nil {
		m.observer.FrameFailed(err)
	}
}

func (m *Machine) readByte(ctx context.Context) (byte, error) {
	b, err := m.link.ReadByte(ctx)
	if err != nil {
		return 0, m.transportErr(ctx, "read", err)
	}
	return b, nil
}

func (m *Machine) readLine(ctx context.Context) ([]byte, error) {
	line, err := m.link.ReadLine(ctx)
	if err != nil {
		return nil, m.transportErr(ctx, "read line", err)
	}
	return line, nil
}

// reply writes a control byte in the extended variant and is a no-op in the
// minimal one.
func (m *Machine) reply(ctx context.Context, b byte) error {
	if m.opts.Variant != Extended {
		return nil
	}
	if err := m.link.Write(ctx, []byte{b}); err != nil {
		return m.transportErr(ctx, "write", err)
	}
	return nil
}

func (m *Machine) transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TransportError{Op: op, State: m.State(), Err: err}
}
