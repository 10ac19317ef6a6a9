package vjf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Likelihood converts a pre-link decoder output and an observation batch
// into a negative log-likelihood, summed over output dimensions and
// averaged over the batch. Backward returns dLoss/dEta and accumulates the
// gradients of any noise parameters the likelihood owns. Mean applies the
// inverse link, mapping the natural parameter to the observation mean.
type Likelihood interface {
	Loss(eta, y *mat.Dense) (float64, error)
	Backward(eta, y *mat.Dense) *mat.Dense
	Mean(eta *mat.Dense) *mat.Dense
	params() []param
}

// newLikelihood dispatches on the configured variant name at construction
// time.
func newLikelihood(name string, r float64) (Likelihood, error) {
	switch name {
	case "gaussian":
		return &GaussianLikelihood{logvar: []float64{math.Log(r)}, grad: []float64{0}}, nil
	case "poisson":
		return PoissonLikelihood{}, nil
	default:
		return nil, fmt.Errorf("unknown likelihood %q", name)
	}
}

// GaussianLikelihood scores observations under an isotropic Gaussian with a
// trainable scalar log-variance.
type GaussianLikelihood struct {
	logvar []float64 // length 1
	grad   []float64
}

// Loss returns mean over the batch of sum_j 0.5*((eta-y)^2*exp(-logvar) + logvar).
func (g *GaussianLikelihood) Loss(eta, y *mat.Dense) (float64, error) {
	if err := checkMatDims(eta, y, "eta", "y", rowsAndcols); err != nil {
		return math.NaN(), err
	}
	n, d := eta.Dims()
	p := math.Exp(-g.logvar[0])
	var nll float64
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			e := eta.At(i, j) - y.At(i, j)
			nll += 0.5 * (e*e*p + g.logvar[0])
		}
	}
	return nll / float64(n), nil
}

// Backward returns dLoss/dEta and accumulates the log-variance gradient.
func (g *GaussianLikelihood) Backward(eta, y *mat.Dense) *mat.Dense {
	n, d := eta.Dims()
	p := math.Exp(-g.logvar[0])
	dEta := mat.NewDense(n, d, nil)
	var sumSq float64
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			e := eta.At(i, j) - y.At(i, j)
			sumSq += e * e
			dEta.Set(i, j, e*p/float64(n))
		}
	}
	g.grad[0] += 0.5 * (float64(d) - p*sumSq/float64(n))
	return dEta
}

// Mean is the identity link.
func (g *GaussianLikelihood) Mean(eta *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(eta)
	return &out
}

func (g *GaussianLikelihood) params() []param {
	return []param{{value: g.logvar, grad: g.grad}}
}

// PoissonLikelihood scores count observations under a Poisson with the
// canonical log link; the decoder output is the log rate. It carries no
// extra noise parameter.
type PoissonLikelihood struct{}

// Loss returns mean over the batch of sum_j (exp(eta) - y*eta), the Poisson
// negative log-likelihood up to the data-only log(y!) constant.
func (PoissonLikelihood) Loss(eta, y *mat.Dense) (float64, error) {
	if err := checkMatDims(eta, y, "eta", "y", rowsAndcols); err != nil {
		return math.NaN(), err
	}
	n, d := eta.Dims()
	var nll float64
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			nll += math.Exp(eta.At(i, j)) - y.At(i, j)*eta.At(i, j)
		}
	}
	return nll / float64(n), nil
}

// Backward returns dLoss/dEta = (exp(eta) - y)/batch.
func (PoissonLikelihood) Backward(eta, y *mat.Dense) *mat.Dense {
	n, d := eta.Dims()
	dEta := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			dEta.Set(i, j, (math.Exp(eta.At(i, j))-y.At(i, j))/float64(n))
		}
	}
	return dEta
}

// Mean is the exponential inverse link, returning the rate.
func (PoissonLikelihood) Mean(eta *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, eta)
	return &out
}

func (PoissonLikelihood) params() []param { return nil }
