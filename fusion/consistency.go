package fusion

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// InnovationStats summarises a window of scalar innovations.
type InnovationStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	// NIS is the summed normalised innovation squared over the window.
	NIS        float64 `json:"nis"`
	Bound      float64 `json:"bound"`
	Consistent bool    `json:"consistent"`
}

// Consistency keeps the last few forwarded innovations of one measurement
// stream and tests them against a chi-square bound. Samples overridden by
// the detector are skipped since their forwarded innovation is zero.
type Consistency struct {
	size       int
	confidence float64
	innov      []float64
	variance   []float64
	next       int
}

// NewConsistency returns a window of size samples tested at the given
// confidence, for example 0.99.
func NewConsistency(size int, confidence float64) *Consistency {
	if size < 2 {
		size = 2
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.99
	}
	return &Consistency{size: size, confidence: confidence}
}

func (c *Consistency) Add(d Diagnostics) {
	if d.Detected || d.InnovationVariance <= 0 {
		return
	}
	if len(c.innov) < c.size {
		c.innov = append(c.innov, d.ForwardedInnovation)
		c.variance = append(c.variance, d.InnovationVariance)
		return
	}
	c.innov[c.next] = d.ForwardedInnovation
	c.variance[c.next] = d.InnovationVariance
	c.next = (c.next + 1) % c.size
}

func (c *Consistency) Reset() {
	c.innov = c.innov[:0]
	c.variance = c.variance[:0]
	c.next = 0
}

func (c *Consistency) Stats() InnovationStats {
	n := len(c.innov)
	if n == 0 {
		return InnovationStats{Consistent: true}
	}
	out := InnovationStats{Count: n}
	if n > 1 {
		out.Mean, out.StdDev = stat.MeanStdDev(c.innov, nil)
	} else {
		out.Mean = c.innov[0]
	}
	for i, v := range c.innov {
		out.NIS += v * v / math.Max(c.variance[i], 1e-9)
	}
	out.Bound = distuv.ChiSquared{K: float64(n)}.Quantile(c.confidence)
	out.Consistent = out.NIS <= out.Bound
	return out
}
