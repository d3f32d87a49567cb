package main

import (
	"bytes"
	"math"

	"github.com/banshee-data/sensorlink/internal/frame"
	"github.com/banshee-data/sensorlink/internal/handshake"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// devFixture renders one well-formed frame per sensor, as the board would
// send them in a single sweep. Sample values are a slow sine so the debug
// pages show something that moves between sensors.
func devFixture(catalog []sensors.Descriptor) []byte {
	var buf bytes.Buffer
	for i, d := range catalog {
		buf.WriteByte(handshake.Request)
		buf.WriteByte(d.ID)
		for k := 0; k < d.Length; k++ {
			v := 50 + 25*math.Sin(float64(i)+float64(k)/8)
			buf.WriteString(frame.EncodeSample(math.Round(v*100) / 100))
			buf.WriteByte('\n')
		}
		buf.WriteByte(handshake.Stop)
	}
	return buf.Bytes()
}
