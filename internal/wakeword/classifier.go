package wakeword

import (
	"math"
)

const (
	learningRate = 0.1
	l2Penalty    = 1e-3
)

// Progress is reported once per training epoch.
type Progress struct {
	Epoch    int
	Epochs   int
	Loss     float64
	Accuracy float64
}

// classifier is a softmax regression over standardised features. Weights
// start at zero so training on the same exemplars always yields the same
// model.
type classifier struct {
	labels []string
	mean   []float64
	scale  []float64
	w      [][]float64
	b      []float64
}

func trainClassifier(xs [][]float64, ys []int, labels []string, epochs int, progress func(Progress)) (*classifier, Progress) {
	dim := len(xs[0])
	k := len(labels)

	c := &classifier{
		labels: labels,
		mean:   make([]float64, dim),
		scale:  make([]float64, dim),
		w:      make([][]float64, k),
		b:      make([]float64, k),
	}
	for i := range c.w {
		c.w[i] = make([]float64, dim)
	}

	c.fitNormalization(xs)

	norm := make([][]float64, len(xs))
	for i, x := range xs {
		norm[i] = c.normalize(x)
	}

	var last Progress
	gw := make([][]float64, k)
	for i := range gw {
		gw[i] = make([]float64, dim)
	}
	gb := make([]float64, k)

	for epoch := 1; epoch <= epochs; epoch++ {
		for i := range gw {
			clear(gw[i])
		}
		clear(gb)

		var loss float64
		correct := 0

		for n, x := range norm {
			p := c.softmax(x)
			loss -= math.Log(max(p[ys[n]], logFloor))
			if argmax(p) == ys[n] {
				correct++
			}

			for j := range k {
				g := p[j]
				if j == ys[n] {
					g -= 1
				}
				gb[j] += g
				row := gw[j]
				for d, v := range x {
					row[d] += g * v
				}
			}
		}

		count := float64(len(norm))
		for j := range k {
			c.b[j] -= learningRate * gb[j] / count
			for d := range c.w[j] {
				c.w[j][d] -= learningRate * (gw[j][d]/count + l2Penalty*c.w[j][d])
			}
		}

		last = Progress{Epoch: epoch, Epochs: epochs, Loss: loss / count, Accuracy: float64(correct) / count}
		if progress != nil {
			progress(last)
		}
	}

	return c, last
}

// predict returns one probability per label.
func (c *classifier) predict(x []float64) []float64 {
	return c.softmax(c.normalize(x))
}

func (c *classifier) fitNormalization(xs [][]float64) {
	n := float64(len(xs))

	for _, x := range xs {
		for d, v := range x {
			c.mean[d] += v / n
		}
	}
	for _, x := range xs {
		for d, v := range x {
			diff := v - c.mean[d]
			c.scale[d] += diff * diff / n
		}
	}
	for d, v := range c.scale {
		c.scale[d] = math.Sqrt(v)
		if c.scale[d] < 1e-6 {
			c.scale[d] = 1
		}
	}
}

func (c *classifier) normalize(x []float64) []float64 {
	out := make([]float64, len(x))
	for d, v := range x {
		out[d] = (v - c.mean[d]) / c.scale[d]
	}
	return out
}

func (c *classifier) softmax(x []float64) []float64 {
	logits := make([]float64, len(c.w))
	top := math.Inf(-1)

	for j, row := range c.w {
		z := c.b[j]
		for d, v := range x {
			z += row[d] * v
		}
		logits[j] = z
		top = max(top, z)
	}

	var sum float64
	for j, z := range logits {
		logits[j] = math.Exp(z - top)
		sum += logits[j]
	}
	for j := range logits {
		logits[j] /= sum
	}

	return logits
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}
