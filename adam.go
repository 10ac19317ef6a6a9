package vjf

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// param is one trainable tensor: a value buffer and a same-length gradient
// buffer. Gradients accumulate across backward passes until zeroed.
type param struct {
	value []float64
	grad  []float64
}

// clipGrads clamps every accumulated gradient to [-bound, bound].
// A bound of zero or below disables clipping.
func clipGrads(params []param, bound float64) {
	if bound <= 0 {
		return
	}
	for _, p := range params {
		for i, g := range p.grad {
			if g > bound {
				p.grad[i] = bound
			} else if g < -bound {
				p.grad[i] = -bound
			}
		}
	}
}

// scaleGrads multiplies every accumulated gradient by f.
func scaleGrads(params []param, f float64) {
	for _, p := range params {
		floats.Scale(f, p.grad)
	}
}

// zeroGrads clears the accumulated gradients.
func zeroGrads(params []param) {
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
}

// Adam applies adaptive moment estimation to one parameter group, with an
// optional multiplicative learning-rate decay between outer iterations.
type Adam struct {
	lr           float64
	beta1, beta2 float64
	eps          float64
	t            int
	m, v         [][]float64
}

// NewAdam returns an Adam optimizer for the given group with the usual
// moment defaults.
func NewAdam(params []param, lr float64) *Adam {
	o := &Adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.value))
		o.v[i] = make([]float64, len(p.value))
	}
	return o
}

// Step applies one update from the accumulated gradients. It does not zero
// them; callers decide when a backward accumulation window ends.
func (o *Adam) Step(params []param) {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.grad {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			p.value[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.eps)
		}
	}
}

// DecayLR multiplies the learning rate by gamma, the exponential schedule
// applied between fitting iterations.
func (o *Adam) DecayLR(gamma float64) {
	o.lr *= gamma
}

// LR reports the current learning rate.
func (o *Adam) LR() float64 { return o.lr }
