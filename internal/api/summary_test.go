package api

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	one := Summarize([]float64{83.5})
	assert.Equal(t, Summary{Count: 1, Min: 83.5, Max: 83.5, Mean: 83.5, Median: 83.5}, one)

	samples := []float64{5, 1, 4, 2, 3}
	s := Summarize(samples)
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, 3.0, s.Median)
	assert.InDelta(t, math.Sqrt(2.5), s.StdDev, 1e-12)

	// input order is left alone
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, samples)
}
