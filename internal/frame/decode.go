// Package frame converts between payload lines on the wire and sample values.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrMalformedSample matches every decode failure via errors.Is.
var ErrMalformedSample = errors.New("malformed sample")

// MalformedSampleError records the raw line that could not be decoded.
type MalformedSampleError struct {
	Line []byte
	Err  error
}

func (e *MalformedSampleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed sample %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("malformed sample %q", e.Line)
}

func (e *MalformedSampleError) Unwrap() error { return e.Err }

func (e *MalformedSampleError) Is(target error) bool { return target == ErrMalformedSample }

// DecodeSample parses one payload line. Only the text before the first
// newline is considered; anything after it is ignored.
func DecodeSample(line []byte) (float64, error) {
	if !utf8.Valid(line) {
		return 0, &MalformedSampleError{Line: line, Err: errors.New("invalid utf-8")}
	}
	head := line
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		head = line[:i]
	}
	text := strings.TrimSpace(string(head))
	if text == "" {
		return 0, &MalformedSampleError{Line: line, Err: errors.New("empty line")}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, &MalformedSampleError{Line: line, Err: err}
	}
	return v, nil
}

// EncodeSample formats a value the way samples are stored: fixed-point with
// six decimals.
func EncodeSample(v float64) string {
	return fmt.Sprintf("%f", v)
}
