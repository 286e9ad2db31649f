package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Param is one named parameter tensor. Data is the live backing slice, so
// optimizer updates through it mutate the network directly.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
}

// Gradients accumulates parameter gradients keyed by parameter name.
type Gradients struct {
	byName map[string][]float64
}

func newGradients(params []Param) *Gradients {
	g := &Gradients{byName: make(map[string][]float64, len(params))}
	for _, p := range params {
		g.byName[p.Name] = make([]float64, len(p.Data))
	}
	return g
}

// For returns the accumulator slice of the named parameter.
func (g *Gradients) For(name string) []float64 {
	return g.byName[name]
}

// GlobalNorm returns the L2 norm over every accumulated gradient.
func (g *Gradients) GlobalNorm() float64 {
	sum := 0.0
	for _, grad := range g.byName {
		for _, v := range grad {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// Scale multiplies every accumulated gradient by factor.
func (g *Gradients) Scale(factor float64) {
	for _, grad := range g.byName {
		for i := range grad {
			grad[i] *= factor
		}
	}
}

// Add accumulates other into g. Both must cover the same parameter set.
func (g *Gradients) Add(other *Gradients) error {
	for name, grad := range g.byName {
		src, ok := other.byName[name]
		if !ok {
			return fmt.Errorf("gradients are missing %q", name)
		}
		if len(src) != len(grad) {
			return fmt.Errorf("gradient %q length mismatch: got=%d want=%d", name, len(src), len(grad))
		}
		for i, v := range src {
			grad[i] += v
		}
	}
	return nil
}

// linear is a dense layer y = W*x + b with W stored row-major (out x in).
type linear struct {
	name    string
	in, out int
	w       []float64
	b       []float64
}

func newLinear(name string, in, out int, rng *rand.Rand) linear {
	l := linear{name: name, in: in, out: out, w: make([]float64, in*out), b: make([]float64, out)}
	bound := 1.0 / math.Sqrt(float64(in))
	for i := range l.w {
		l.w[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range l.b {
		l.b[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

func (l *linear) forward(x []float64) []float64 {
	y := make([]float64, l.out)
	for o := 0; o < l.out; o++ {
		sum := l.b[o]
		row := l.w[o*l.in : (o+1)*l.in]
		for i, xv := range x {
			sum += row[i] * xv
		}
		y[o] = sum
	}
	return y
}

// backward accumulates weight gradients for one sample and returns the
// gradient with respect to the input.
func (l *linear) backward(g *Gradients, x, dy []float64) []float64 {
	wGrad := g.For(l.name + ".w")
	bGrad := g.For(l.name + ".b")
	dx := make([]float64, l.in)
	for o := 0; o < l.out; o++ {
		d := dy[o]
		if d == 0 {
			continue
		}
		row := l.w[o*l.in : (o+1)*l.in]
		gRow := wGrad[o*l.in : (o+1)*l.in]
		for i, xv := range x {
			gRow[i] += d * xv
			dx[i] += d * row[i]
		}
		bGrad[o] += d
	}
	return dx
}

func (l *linear) params() []Param {
	return []Param{
		{Name: l.name + ".w", Shape: []int{l.out, l.in}, Data: l.w},
		{Name: l.name + ".b", Shape: []int{l.out}, Data: l.b},
	}
}

// reluInPlace applies max(0, x) elementwise and returns x.
func reluInPlace(x []float64) []float64 {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
	return x
}

// reluBackward zeroes upstream gradients where the activation clipped.
func reluBackward(activated, dy []float64) []float64 {
	dx := make([]float64, len(dy))
	for i, v := range dy {
		if activated[i] > 0 {
			dx[i] = v
		}
	}
	return dx
}
