// Package calib runs calibration data through a model one decoder layer at a
// time and records the inputs each linear sublayer sees.
package calib

import (
	"github.com/samcharles93/awq/internal/tensor"
)

// Capture summarises the activations arriving at one capture point.
type Capture struct {
	Key   string
	Width int
	// AbsMean is the mean |x| of every input channel over all tokens.
	AbsMean []float32
	// Sample holds the first whole sequences seen, stacked row-wise.
	Sample tensor.Mat
	// SeqLen is the length of each sequence in Sample.
	SeqLen int

	sum        []float64
	rows       int
	sampleRows int
	parts      []tensor.Mat
}

// Captures maps block-relative capture keys to their statistics.
type Captures map[string]*Capture

func newCapture(key string, width, seqLen, sampleRows int) *Capture {
	return &Capture{
		Key:        key,
		Width:      width,
		SeqLen:     seqLen,
		sum:        make([]float64, width),
		sampleRows: sampleRows,
	}
}

// observe folds a chunk of activations into the running statistics. x is
// not retained.
func (c *Capture) observe(x *tensor.Mat) {
	tensor.SumAbsCols(c.sum, x)
	c.rows += x.R

	have := 0
	for _, p := range c.parts {
		have += p.R
	}
	if need := c.sampleRows - have; need > 0 {
		n := min(need, x.R)
		v := x.Rows(0, n)
		c.parts = append(c.parts, v.Clone())
	}
}

// finish computes AbsMean and assembles Sample.
func (c *Capture) finish() {
	c.AbsMean = make([]float32, c.Width)
	if c.rows > 0 {
		for j, s := range c.sum {
			c.AbsMean[j] = float32(s / float64(c.rows))
		}
	}
	c.Sample = tensor.Concat(c.parts...)
	c.parts = nil
	c.sum = nil
}

// Sequences is the number of whole sequences held in Sample.
func (c *Capture) Sequences() int {
	if c.SeqLen == 0 {
		return 0
	}
	return c.Sample.R / c.SeqLen
}
