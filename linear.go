package vjf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// linear is a dense affine layer with an analytic backward pass. forward
// caches its input so that backward can accumulate weight gradients.
type linear struct {
	in, out int
	w       *mat.Dense // (in x out)
	b       []float64
	gw      *mat.Dense
	gb      []float64
	x       *mat.Dense // cached input of the last forward
}

func newLinear(in, out int, rng *rand.Rand) *linear {
	std := 1 / math.Sqrt(float64(in))
	w := randn(in, out, rng)
	w.Scale(std, w)
	return &linear{
		in:  in,
		out: out,
		w:   w,
		b:   make([]float64, out),
		gw:  mat.NewDense(in, out, nil),
		gb:  make([]float64, out),
	}
}

func (l *linear) forward(x *mat.Dense) *mat.Dense {
	l.x = x
	var out mat.Dense
	out.Mul(x, l.w)
	out.Apply(func(_, j int, v float64) float64 { return v + l.b[j] }, &out)
	return &out
}

// backward accumulates dLoss/dw and dLoss/db from dOut and returns
// dLoss/dx for the layer below.
func (l *linear) backward(dOut *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(l.x.T(), dOut)
	l.gw.Add(l.gw, &gw)
	r, _ := dOut.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < l.out; j++ {
			l.gb[j] += dOut.At(i, j)
		}
	}
	var dx mat.Dense
	dx.Mul(dOut, l.w.T())
	return &dx
}

func (l *linear) params() []param {
	return []param{
		{value: l.w.RawMatrix().Data, grad: l.gw.RawMatrix().Data},
		{value: l.b, grad: l.gb},
	}
}

// weightL2 accumulates lambda*w into the weight gradient and returns the
// 0.5*lambda*||w||^2 penalty value. The bias is left unpenalized.
func (l *linear) weightL2(lambda float64) float64 {
	var sq float64
	w := l.w.RawMatrix().Data
	g := l.gw.RawMatrix().Data
	for i, v := range w {
		sq += v * v
		g[i] += lambda * v
	}
	return 0.5 * lambda * sq
}

const bnEps = 1e-5

// batchNorm normalizes each feature over the batch with learned scale and
// shift. Statistics are always the current batch's.
type batchNorm struct {
	dim          int
	gamma, beta  []float64
	ggamma, gbet []float64
	xhat         *mat.Dense
	istd         []float64
}

func newBatchNorm(dim int) *batchNorm {
	g := make([]float64, dim)
	for i := range g {
		g[i] = 1
	}
	return &batchNorm{
		dim:    dim,
		gamma:  g,
		beta:   make([]float64, dim),
		ggamma: make([]float64, dim),
		gbet:   make([]float64, dim),
	}
}

func (bn *batchNorm) forward(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	bn.istd = make([]float64, d)
	bn.xhat = mat.NewDense(n, d, nil)
	out := mat.NewDense(n, d, nil)
	for j := 0; j < d; j++ {
		var mu float64
		for i := 0; i < n; i++ {
			mu += x.At(i, j)
		}
		mu /= float64(n)
		var va float64
		for i := 0; i < n; i++ {
			dv := x.At(i, j) - mu
			va += dv * dv
		}
		va /= float64(n)
		istd := 1 / math.Sqrt(va+bnEps)
		bn.istd[j] = istd
		for i := 0; i < n; i++ {
			xh := (x.At(i, j) - mu) * istd
			bn.xhat.Set(i, j, xh)
			out.Set(i, j, bn.gamma[j]*xh+bn.beta[j])
		}
	}
	return out
}

func (bn *batchNorm) backward(dOut *mat.Dense) *mat.Dense {
	n, d := dOut.Dims()
	dx := mat.NewDense(n, d, nil)
	for j := 0; j < d; j++ {
		var sumD, sumDX float64
		for i := 0; i < n; i++ {
			dxh := dOut.At(i, j) * bn.gamma[j]
			sumD += dxh
			sumDX += dxh * bn.xhat.At(i, j)
			bn.ggamma[j] += dOut.At(i, j) * bn.xhat.At(i, j)
			bn.gbet[j] += dOut.At(i, j)
		}
		for i := 0; i < n; i++ {
			dxh := dOut.At(i, j) * bn.gamma[j]
			dx.Set(i, j, bn.istd[j]/float64(n)*(float64(n)*dxh-sumD-bn.xhat.At(i, j)*sumDX))
		}
	}
	return dx
}

func (bn *batchNorm) params() []param {
	return []param{
		{value: bn.gamma, grad: bn.ggamma},
		{value: bn.beta, grad: bn.gbet},
	}
}

// activation is an elementwise nonlinearity whose derivative is expressed in
// terms of the activation output.
type activation struct {
	name  string
	fn    func(float64) float64
	deriv func(out float64) float64
}

func newActivation(name string) (activation, error) {
	switch name {
	case "tanh":
		return activation{
			name:  "tanh",
			fn:    math.Tanh,
			deriv: func(a float64) float64 { return 1 - a*a },
		}, nil
	case "relu":
		return activation{
			name: "relu",
			fn: func(z float64) float64 {
				if z > 0 {
					return z
				}
				return 0
			},
			deriv: func(a float64) float64 {
				if a > 0 {
					return 1
				}
				return 0
			},
		}, nil
	default:
		return activation{}, fmt.Errorf("unknown activation %q", name)
	}
}
