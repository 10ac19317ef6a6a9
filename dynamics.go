package vjf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Weight-posterior update policies for the dynamics regressor.
const (
	WeightUpdateKalman = "kalman"
	WeightUpdateRLS    = "rls"
)

// RBFDynamics models the one-step latent transition as a state increment:
// x[t+1] = x[t] + w'phi(x[t], u[t]) with a Bayesian posterior over w. The
// residual parameterization keeps the regressor responsible only for a
// correction term rather than the identity map. Process noise is a scalar
// log-variance acting as a regularizer on step size; it is trained by the
// noise parameter group when enabled.
type RBFDynamics struct {
	reg          *BayesLinReg
	xdim, udim   int
	logvar       []float64 // length 1
	grad         []float64
	weightUpdate string
	diffusion    float64
}

// NewRBFDynamics builds the transition model from an RBF bank over the
// concatenated (state, control) space. q is the initial process noise
// variance. policy selects the closed-form weight update (kalman or rls)
// and diffusion its forgetting strength.
func NewRBFDynamics(xdim, udim, nBasis int, q float64, policy string, diffusion float64, rng *rand.Rand) (*RBFDynamics, error) {
	if policy != WeightUpdateKalman && policy != WeightUpdateRLS {
		return nil, fmt.Errorf("unknown weight update policy %q", policy)
	}
	if diffusion < 0 {
		return nil, fmt.Errorf("diffusion must be non-negative, got %g", diffusion)
	}
	feature := NewRBF(xdim+udim, nBasis, false, rng)
	return &RBFDynamics{
		reg:          NewBayesLinReg(feature, xdim),
		xdim:         xdim,
		udim:         udim,
		logvar:       []float64{math.Log(q)},
		grad:         []float64{0},
		weightUpdate: policy,
		diffusion:    diffusion,
	}, nil
}

// Regressor exposes the weight posterior, e.g. for a Reset after divergence.
func (d *RBFDynamics) Regressor() *BayesLinReg { return d.reg }

// concat joins state and control rows. u must be nil iff the model is
// autonomous (udim == 0).
func (d *RBFDynamics) concat(x, u *mat.Dense) (*mat.Dense, error) {
	if d.udim == 0 {
		if u != nil {
			return nil, fmt.Errorf("control given to an autonomous model (udim=0)")
		}
		return x, nil
	}
	if u == nil {
		return nil, fmt.Errorf("model expects a control of dimension %d, got none", d.udim)
	}
	if err := checkMatDims(x, u, "x", "u", rows2rows); err != nil {
		return nil, err
	}
	if _, c := u.Dims(); c != d.udim {
		return nil, fmt.Errorf("control has %d columns, model expects %d", c, d.udim)
	}
	var xu mat.Dense
	xu.Augment(x, u)
	return &xu, nil
}

// Forward predicts the next state location x + regressor(features(x, u)).
// With sampling, the regressor draws weights from its posterior.
func (d *RBFDynamics) Forward(x, u *mat.Dense, sampling bool, rng *rand.Rand) (*mat.Dense, error) {
	xu, err := d.concat(x, u)
	if err != nil {
		return nil, err
	}
	dx, err := d.reg.Forward(xu, sampling, rng)
	if err != nil {
		return nil, err
	}
	dx.Add(x, dx)
	return dx, nil
}

// Simulate rolls the autonomous system out for the given number of steps,
// sampling weights and injecting process noise with standard deviation
// exp(0.5*logvar) at every step. The returned trajectory has steps+1
// entries, the first being a copy of x0.
func (d *RBFDynamics) Simulate(x0 *mat.Dense, steps int, rng *rand.Rand) ([]*mat.Dense, error) {
	if _, c := x0.Dims(); c != d.xdim {
		return nil, fmt.Errorf("x0 has %d columns, state dimension is %d", c, d.xdim)
	}
	n, _ := x0.Dims()
	std := math.Exp(0.5 * d.logvar[0])
	traj := make([]*mat.Dense, steps+1)
	var head mat.Dense
	head.CloneFrom(x0)
	traj[0] = &head

	var u *mat.Dense
	if d.udim > 0 {
		u = mat.NewDense(n, d.udim, nil) // autonomous roll-out, zero control
	}
	for t := 0; t < steps; t++ {
		next, err := d.Forward(traj[t], u, true, rng)
		if err != nil {
			return nil, err
		}
		noise := randn(n, d.xdim, rng)
		noise.Scale(std, noise)
		next.Add(next, noise)
		traj[t+1] = next
	}
	return traj, nil
}

// Update is the non-gradient path: it folds the observed transition
// (xs, xt-xs) into the weight posterior using the configured closed-form
// policy, with the current process noise precision exp(-logvar) as the
// observation noise. It mutates only the regressor posterior.
func (d *RBFDynamics) Update(xs, xt, u *mat.Dense) error {
	if err := checkMatDims(xs, xt, "xs", "xt", rowsAndcols); err != nil {
		return err
	}
	var delta mat.Dense
	delta.Sub(xt, xs)
	xu, err := d.concat(xs, u)
	if err != nil {
		return err
	}
	v := math.Exp(-d.logvar[0])
	if d.weightUpdate == WeightUpdateRLS {
		return d.reg.RLS(xu, &delta, v, d.diffusion)
	}
	return d.reg.Kalman(xu, &delta, v, d.diffusion)
}

// Loss is the negative log Gaussian density of the transition pt -> xt,
// summed over state dimensions and averaged over the batch: the dynamics
// term of the ELBO.
func (d *RBFDynamics) Loss(pt, xt *mat.Dense) (float64, error) {
	if err := checkMatDims(pt, xt, "pt", "xt", rowsAndcols); err != nil {
		return math.NaN(), err
	}
	n, c := pt.Dims()
	p := math.Exp(-d.logvar[0])
	var nll float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			e := xt.At(i, j) - pt.At(i, j)
			nll += 0.5 * (e*e*p + d.logvar[0])
		}
	}
	return nll / float64(n), nil
}

// lossBackward returns dLoss/dXt and accumulates the process noise
// log-variance gradient. The prediction pt carries no gradient parameters,
// so no path flows through it.
func (d *RBFDynamics) lossBackward(pt, xt *mat.Dense) *mat.Dense {
	n, c := pt.Dims()
	p := math.Exp(-d.logvar[0])
	dXt := mat.NewDense(n, c, nil)
	var sumSq float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			e := xt.At(i, j) - pt.At(i, j)
			sumSq += e * e
			dXt.Set(i, j, e*p/float64(n))
		}
	}
	d.grad[0] += 0.5 * (float64(c) - p*sumSq/float64(n))
	return dXt
}

// noiseParams exposes the process noise log-variance to the noise optimizer
// group.
func (d *RBFDynamics) noiseParams() []param {
	return []param{{value: d.logvar, grad: d.grad}}
}
