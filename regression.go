package vjf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// symTol is the floating-point tolerance used by the precision and
// covariance symmetry invariant checks.
const symTol = 1e-9

// BayesLinReg maintains a Gaussian posterior over the linear weights mapping
// RBF features to state increments. The posterior mean is WMean; its
// uncertainty is carried both as a precision matrix (updated by RLS) and as
// a lower-triangular Cholesky factor of the covariance (updated by Kalman).
// Weight columns share one covariance across outputs.
type BayesLinReg struct {
	feature *RBF
	nOut    int

	WMean *mat.Dense    // (nFeature x nOutput)
	WChol *mat.Dense    // (nFeature x nFeature), lower triangular
	WPrec *mat.SymDense // (nFeature x nFeature)
}

// NewBayesLinReg returns a regressor with zero mean, identity covariance
// factor, and identity precision.
func NewBayesLinReg(feature *RBF, nOutput int) *BayesLinReg {
	n := feature.NumFeatures()
	chol := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		chol.Set(i, i, 1)
	}
	return &BayesLinReg{
		feature: feature,
		nOut:    nOutput,
		WMean:   mat.NewDense(n, nOutput, nil),
		WChol:   chol,
		WPrec:   Identity(n),
	}
}

// Forward maps inputs through the feature bank and the weight posterior
// mean. With sampling, a weight draw WMean + WChol*Z is used instead, which
// injects parameter-level stochasticity into dynamics predictions.
func (r *BayesLinReg) Forward(x *mat.Dense, sampling bool, rng *rand.Rand) (*mat.Dense, error) {
	feat, err := r.feature.Forward(x)
	if err != nil {
		return nil, err
	}
	w := r.WMean
	if sampling {
		var perturbed mat.Dense
		perturbed.Mul(r.WChol, randn(r.feature.NumFeatures(), r.nOut, rng))
		perturbed.Add(r.WMean, &perturbed)
		w = &perturbed
	}
	var out mat.Dense
	out.Mul(feat, w)
	return &out, nil
}

// RLS folds a new batch of (input, target) pairs into the weight posterior
// in precision form. A positive diffusion first discounts the current
// precision through P <- P - P(P + I/diffusion)^-1 P, which lets the weights
// drift slowly over time; diffusion of exactly zero skips the discount step
// entirely (standard non-forgetting recursive least squares). v is the
// observation noise variance.
func (r *BayesLinReg) RLS(x, target *mat.Dense, v, diffusion float64) error {
	if err := checkMatDims(x, target, "x", "target", rows2rows); err != nil {
		return err
	}
	if _, c := target.Dims(); c != r.nOut {
		return fmt.Errorf("target has %d columns, regressor has %d outputs", c, r.nOut)
	}
	if v <= 0 {
		return fmt.Errorf("observation noise must be positive, got %g", v)
	}
	feat, err := r.feature.Forward(x)
	if err != nil {
		return err
	}

	n := r.feature.NumFeatures()
	P := r.WPrec
	if diffusion > 0 {
		// Discount: P <- P - H'H with H solving L H = P, L L' = P + I/diffusion.
		scaledEye := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			scaledEye.SetSym(i, i, 1/diffusion)
		}
		var infl mat.SymDense
		infl.AddSym(P, scaledEye)
		var ch mat.Cholesky
		if !ch.Factorize(&infl) {
			return fmt.Errorf("inflated precision is not positive definite")
		}
		var ltri mat.TriDense
		ch.LTo(&ltri)
		var h mat.Dense
		if err := h.Solve(&ltri, P); err != nil {
			return fmt.Errorf("discount solve failed: %v", err)
		}
		var hth, discounted mat.Dense
		hth.Mul(h.T(), &h)
		discounted.Sub(P, &hth)
		if P, err = asSymmetric(&discounted, symTol); err != nil {
			return fmt.Errorf("discounted precision: %v", err)
		}
	}

	// g = P w + f'y / v, P <- P + f'f / v, w <- P^-1 g via Cholesky.
	s := math.Sqrt(v)
	var sf, st mat.Dense
	sf.Scale(1/s, feat)
	st.Scale(1/s, target)
	var g, fty mat.Dense
	g.Mul(P, r.WMean)
	fty.Mul(sf.T(), &st)
	g.Add(&g, &fty)

	var ftf, acc mat.Dense
	ftf.Mul(sf.T(), &sf)
	acc.Add(P, &ftf)
	newPrec, err := asSymmetric(&acc, symTol)
	if err != nil {
		return fmt.Errorf("updated precision: %v", err)
	}
	var ch mat.Cholesky
	if !ch.Factorize(newPrec) {
		return fmt.Errorf("updated precision is not positive definite")
	}
	if err := ch.SolveTo(r.WMean, &g); err != nil {
		return fmt.Errorf("normal equations solve failed: %v", err)
	}
	r.WPrec = newPrec
	return nil
}

// Kalman treats the weight vector as a latent state with identity transition
// and process noise Q = diffusion*I, and the target batch as an observation
// with loading matrix equal to the feature matrix and noise R = v*I. One
// predict+update step is run, carrying the posterior covariance as a
// Cholesky factor, with the Joseph form for the covariance update.
func (r *BayesLinReg) Kalman(x, target *mat.Dense, v, diffusion float64) error {
	if diffusion < 0 {
		return fmt.Errorf("diffusion must be non-negative, got %g", diffusion)
	}
	if err := checkMatDims(x, target, "x", "target", rows2rows); err != nil {
		return err
	}
	if _, c := target.Dims(); c != r.nOut {
		return fmt.Errorf("target has %d columns, regressor has %d outputs", c, r.nOut)
	}
	if v <= 0 {
		return fmt.Errorf("observation noise must be positive, got %g", v)
	}
	h, err := r.feature.Forward(x) // loading matrix (nSample x nFeature)
	if err != nil {
		return err
	}
	nSample, _ := h.Dims()
	nFeat := r.feature.NumFeatures()

	// Predict: V^- = L L' + Q.
	var vMinus mat.Dense
	vMinus.Mul(r.WChol, r.WChol.T())
	if diffusion > 0 {
		for i := 0; i < nFeat; i++ {
			vMinus.Set(i, i, vMinus.At(i, i)+diffusion)
		}
	}

	// Innovation covariance S = H V^- H' + R.
	var pht, hpht mat.Dense
	pht.Mul(&vMinus, h.T())
	hpht.Mul(h, &pht)
	for i := 0; i < nSample; i++ {
		hpht.Set(i, i, hpht.At(i, i)+v)
	}
	s, err := asSymmetric(&hpht, symTol)
	if err != nil {
		return fmt.Errorf("innovation covariance: %v", err)
	}
	var chS mat.Cholesky
	if !chS.Factorize(s) {
		return fmt.Errorf("innovation covariance is not positive definite")
	}

	// Gain K = V^- H' S^-1, solved as S K' = H V^-.
	var kt mat.Dense
	if err := chS.SolveTo(&kt, pht.T()); err != nil {
		return fmt.Errorf("gain solve failed: %v", err)
	}
	var gain mat.Dense
	gain.CloneFrom(kt.T())

	// Mean update: w <- w + K (target - H w).
	var yhat, innov, corr mat.Dense
	yhat.Mul(h, r.WMean)
	innov.Sub(target, &yhat)
	corr.Mul(&gain, &innov)
	r.WMean.Add(r.WMean, &corr)

	// Joseph form: V^+ = (I-KH) V^- (I-KH)' + v K K'.
	var kh mat.Dense
	kh.Mul(&gain, h)
	kh.Sub(Identity(nFeat), &kh)
	var vPlus, tmp, kkt mat.Dense
	tmp.Mul(&kh, &vMinus)
	vPlus.Mul(&tmp, kh.T())
	kkt.Mul(&gain, gain.T())
	kkt.Scale(v, &kkt)
	vPlus.Add(&vPlus, &kkt)

	vSym, err := asSymmetric(&vPlus, symTol)
	if err != nil {
		return fmt.Errorf("updated covariance: %v", err)
	}
	var chV mat.Cholesky
	if !chV.Factorize(vSym) {
		return fmt.Errorf("updated covariance is not positive definite")
	}
	var ltri mat.TriDense
	chV.LTo(&ltri)
	r.WChol.CloneFrom(&ltri)
	return nil
}

// Reset zeroes the posterior mean and restores the identity covariance
// factor and precision. Only meant for restarting a diverged regressor.
func (r *BayesLinReg) Reset() {
	n := r.feature.NumFeatures()
	r.WMean.Zero()
	r.WChol.Zero()
	for i := 0; i < n; i++ {
		r.WChol.Set(i, i, 1)
	}
	r.WPrec = Identity(n)
}
