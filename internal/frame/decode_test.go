package frame

import (
	"errors"
	"math"
	"strconv"
	"testing"
)

func TestDecodeSample(t *testing.T) {
	tests := []struct {
		name string
		line string
		want float64
	}{
		{"fixed point", "83.500000\n", 83.5},
		{"integer", "42\n", 42},
		{"negative", "-1.25\n", -1.25},
		{"no newline", "7.5", 7.5},
		{"crlf", "3.0\r\n", 3},
		{"trailing bytes after newline", "1.5\n\xb5garbage", 1.5},
		{"exponent", "1e3\n", 1000},
		{"leading spaces", "  2.5\n", 2.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSample([]byte(tc.line))
			if err != nil {
				t.Fatalf("DecodeSample(%q) error: %v", tc.line, err)
			}
			if got != tc.want {
				t.Errorf("DecodeSample(%q) = %v, want %v", tc.line, got, tc.want)
			}
		})
	}
}

func TestDecodeSample_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line []byte
	}{
		{"empty", []byte("")},
		{"blank line", []byte("\n")},
		{"text", []byte("abc\n")},
		{"invalid utf8", []byte{0xff, 0xfe, '\n'}},
		{"number after newline only", []byte("\n12.0")},
		{"two numbers", []byte("1.0 2.0\n")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSample(tc.line)
			if err == nil {
				t.Fatalf("DecodeSample(%q) = %v, want error", tc.line, got)
			}
			if !errors.Is(err, ErrMalformedSample) {
				t.Errorf("error %v does not match ErrMalformedSample", err)
			}
			var mse *MalformedSampleError
			if !errors.As(err, &mse) {
				t.Fatalf("error %T is not *MalformedSampleError", err)
			}
			if string(mse.Line) != string(tc.line) {
				t.Errorf("MalformedSampleError.Line = %q, want %q", mse.Line, tc.line)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 83.5, -12.125, 1234567.75, 0.000001, 359.999999} {
		text := EncodeSample(v)
		got, err := DecodeSample([]byte(text + "\n"))
		if err != nil {
			t.Fatalf("decode %q: %v", text, err)
		}
		// %f keeps six decimals
		if math.Abs(got-v) > 5e-7 {
			t.Errorf("round trip %v -> %q -> %v", v, text, got)
		}
	}
}

func TestEncodeSample_Format(t *testing.T) {
	if got := EncodeSample(83.5); got != "83.500000" {
		t.Errorf("EncodeSample(83.5) = %q", got)
	}
	if got := EncodeSample(-2); got != "-2.000000" {
		t.Errorf("EncodeSample(-2) = %q", got)
	}
}

func BenchmarkDecodeSample(b *testing.B) {
	line := []byte(strconv.FormatFloat(123.456, 'f', 6, 64) + "\n")
	for i := 0; i < b.N; i++ {
		if _, err := DecodeSample(line); err != nil {
			b.Fatal(err)
		}
	}
}
