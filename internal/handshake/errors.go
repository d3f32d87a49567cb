package handshake

import (
	"errors"
	"fmt"

	"github.com/banshee-data/sensorlink/internal/frame"
)

var (
	// ErrSensorNotFound matches SensorNotFoundError.
	ErrSensorNotFound = errors.New("sensor not found")
	// ErrFraming matches FramingError.
	ErrFraming = errors.New("framing error")
	// ErrTransport matches TransportError.
	ErrTransport = errors.New("transport error")
	// ErrMalformedSample is re-exported so callers need only this package.
	ErrMalformedSample = frame.ErrMalformedSample
)

// SensorNotFoundError reports an identity byte with no catalog entry.
type SensorNotFoundError struct {
	ID byte
	// Resync is set when the byte was read in place of REQUEST.
	Resync bool
}

func (e *SensorNotFoundError) Error() string {
	if e.Resync {
		return fmt.Sprintf("sensor not found: id 0x%02X (no request byte seen)", e.ID)
	}
	return fmt.Sprintf("sensor not found: id 0x%02X", e.ID)
}

func (e *SensorNotFoundError) Is(target error) bool { return target == ErrSensorNotFound }

// FramingError reports a control byte that did not match what the protocol
// expected at that point.
type FramingError struct {
	State State
	Want  byte
	Got   byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error in %s: want 0x%02X, got 0x%02X", e.State, e.Want, e.Got)
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// PayloadError wraps a malformed sample with where in the frame it occurred.
type PayloadError struct {
	Sensor string
	Index  int
	Length int
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s sample %d of %d: %v", e.Sensor, e.Index+1, e.Length, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// TransportError wraps a read or write failure on the link. It is the only
// error that stops Run.
type TransportError struct {
	Op    string
	State State
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed in %s: %v", e.Op, e.State, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// failureKind names an error for metrics labels.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrSensorNotFound):
		return "sensor_not_found"
	case errors.Is(err, ErrMalformedSample):
		return "malformed_sample"
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
