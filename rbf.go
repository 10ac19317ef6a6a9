package vjf

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// RBF is a bank of radial basis functions mapping a state (plus optional
// control) vector to a fixed nonlinear feature vector. Centroids and widths
// are hyperparameters: initialized once, never updated by gradient descent.
type RBF struct {
	Centroids *mat.Dense    // (nBasis x nDim)
	Logwidth  *mat.VecDense // (nBasis)
	nBasis    int
	intercept bool
}

// NewRBF draws nBasis centroids uniformly in [-2, 2) per dimension and sets
// all log widths to zero. If intercept is true, Forward prepends a constant
// one column.
func NewRBF(nDim, nBasis int, intercept bool, rng *rand.Rand) *RBF {
	c := make([]float64, nBasis*nDim)
	for i := range c {
		c[i] = rng.Float64()*4 - 2
	}
	return &RBF{
		Centroids: mat.NewDense(nBasis, nDim, c),
		Logwidth:  mat.NewVecDense(nBasis, nil),
		nBasis:    nBasis,
		intercept: intercept,
	}
}

// NumFeatures returns the feature dimension produced by Forward.
func (r *RBF) NumFeatures() int {
	if r.intercept {
		return r.nBasis + 1
	}
	return r.nBasis
}

// Forward computes exp(-0.5*||x - c_k||^2 / width_k^2) for every input row
// and centroid, returning an (nSample x NumFeatures) matrix.
func (r *RBF) Forward(x *mat.Dense) (*mat.Dense, error) {
	if err := checkMatDims(x, r.Centroids, "x", "centroids", cols2cols); err != nil {
		return nil, err
	}
	n, d := x.Dims()
	off := 0
	if r.intercept {
		off = 1
	}
	out := mat.NewDense(n, off+r.nBasis, nil)
	for i := 0; i < n; i++ {
		if r.intercept {
			out.Set(i, 0, 1)
		}
		for k := 0; k < r.nBasis; k++ {
			var d2 float64
			for j := 0; j < d; j++ {
				diff := x.At(i, j) - r.Centroids.At(k, j)
				d2 += diff * diff
			}
			w := math.Exp(r.Logwidth.AtVec(k))
			out.Set(i, off+k, math.Exp(-0.5*d2/(w*w)))
		}
	}
	return out, nil
}
