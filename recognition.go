package vjf

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Recognizer is the amortized inference network. It maps the new
// observation (with control, when present) and the dynamics-predicted state
// to a DiagonalGaussian posterior over the current state. It is
// deterministic given its parameters and inputs and differentiable
// end-to-end through its analytic backward pass.
type Recognizer struct {
	hidden []*linear
	norms  []*batchNorm // nil when batch norm is disabled
	act    activation
	muHead *linear
	lvHead *linear

	acts []*mat.Dense // cached post-activation outputs, one per hidden layer
}

func newRecognizer(inDim, xdim int, hiddenSizes []int, act activation, batchNorm bool, rng *rand.Rand) *Recognizer {
	r := &Recognizer{act: act}
	prev := inDim
	for _, h := range hiddenSizes {
		r.hidden = append(r.hidden, newLinear(prev, h, rng))
		if batchNorm {
			r.norms = append(r.norms, newBatchNorm(h))
		} else {
			r.norms = append(r.norms, nil)
		}
		prev = h
	}
	r.muHead = newLinear(prev, xdim, rng)
	r.lvHead = newLinear(prev, xdim, rng)
	return r
}

// Forward produces the posterior for the assembled input batch. The batch
// size of the result always equals the input's.
func (r *Recognizer) Forward(in *mat.Dense) DiagonalGaussian {
	h := in
	r.acts = r.acts[:0]
	for i, lin := range r.hidden {
		z := lin.forward(h)
		if r.norms[i] != nil {
			z = r.norms[i].forward(z)
		}
		z.Apply(func(_, _ int, v float64) float64 { return r.act.fn(v) }, z)
		r.acts = append(r.acts, z)
		h = z
	}
	return DiagonalGaussian{Mean: r.muHead.forward(h), Logvar: r.lvHead.forward(h)}
}

// Backward propagates the posterior-parameter gradients through both heads
// and the hidden stack, accumulating every layer's parameter gradients.
func (r *Recognizer) Backward(dMu, dLogvar *mat.Dense) {
	dh := r.muHead.backward(dMu)
	dh.Add(dh, r.lvHead.backward(dLogvar))
	for i := len(r.hidden) - 1; i >= 0; i-- {
		a := r.acts[i]
		dh.Apply(func(k, j int, v float64) float64 { return v * r.act.deriv(a.At(k, j)) }, dh)
		if r.norms[i] != nil {
			dh = r.norms[i].backward(dh)
		}
		dh = r.hidden[i].backward(dh)
	}
}

func (r *Recognizer) params() []param {
	var ps []param
	for i, lin := range r.hidden {
		ps = append(ps, lin.params()...)
		if r.norms[i] != nil {
			ps = append(ps, r.norms[i].params()...)
		}
	}
	ps = append(ps, r.muHead.params()...)
	ps = append(ps, r.lvHead.params()...)
	return ps
}

// weightL2 accumulates an L2 penalty gradient on all layer weights and
// returns the penalty value.
func (r *Recognizer) weightL2(lambda float64) float64 {
	var reg float64
	for _, lin := range r.hidden {
		reg += lin.weightL2(lambda)
	}
	reg += r.muHead.weightL2(lambda)
	reg += r.lvHead.weightL2(lambda)
	return reg
}
