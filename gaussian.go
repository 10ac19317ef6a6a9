package vjf

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// DiagonalGaussian is a Gaussian with independent per-dimension variance,
// the state representation passed between every module. Mean and Logvar are
// (batch x dim); variance is exp(Logvar), non-negative by construction.
type DiagonalGaussian struct {
	Mean   *mat.Dense
	Logvar *mat.Dense
}

// NewDiagonalGaussian returns a DiagonalGaussian after verifying that mean
// and logvar have identical dimensions.
func NewDiagonalGaussian(mean, logvar *mat.Dense) (DiagonalGaussian, error) {
	if err := checkMatDims(mean, logvar, "mean", "logvar", rowsAndcols); err != nil {
		return DiagonalGaussian{}, err
	}
	return DiagonalGaussian{Mean: mean, Logvar: logvar}, nil
}

// Batch returns the number of rows (samples).
func (q DiagonalGaussian) Batch() int {
	r, _ := q.Mean.Dims()
	return r
}

// Dim returns the state dimension.
func (q DiagonalGaussian) Dim() int {
	_, c := q.Mean.Dims()
	return c
}

// Reparametrize draws mean + exp(0.5*logvar)*eps with eps standard normal.
// The noise draw is returned alongside the sample so that callers can route
// gradients of a downstream loss back into Mean and Logvar.
func (q DiagonalGaussian) Reparametrize(rng *rand.Rand) (x, eps *mat.Dense) {
	r, c := q.Mean.Dims()
	eps = randn(r, c, rng)
	x = mat.NewDense(r, c, nil)
	x.Apply(func(i, j int, m float64) float64 {
		return m + math.Exp(0.5*q.Logvar.At(i, j))*eps.At(i, j)
	}, q.Mean)
	return x, eps
}

// Entropy returns the differential entropy 0.5*sum(logvar + log(2*pi*e))
// summed over dimensions and averaged over the batch. This is the exact
// closed form, used as the entropy term of the ELBO.
func (q DiagonalGaussian) Entropy() float64 {
	r, c := q.Logvar.Dims()
	var h float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			h += 0.5 * (q.Logvar.At(i, j) + math.Log(2*math.Pi*math.E))
		}
	}
	return h / float64(r)
}

// Detach returns a value-identical deep copy. The copy shares no backing
// storage with q, so the previous step's posterior acts as a constant when
// the current step's gradients are assembled: backpropagation is truncated
// at one step by construction.
func (q DiagonalGaussian) Detach() DiagonalGaussian {
	var mean, logvar mat.Dense
	mean.CloneFrom(q.Mean)
	logvar.CloneFrom(q.Logvar)
	return DiagonalGaussian{Mean: &mean, Logvar: &logvar}
}
