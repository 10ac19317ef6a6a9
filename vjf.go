package vjf

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// regLambda is the L2 weight penalty strength applied when an update is
// regularized.
const regLambda = 1e-4

// Convergence tolerances for the Fit early stop.
const (
	fitAbsTol = 1e-8
	fitRelTol = 1e-5
)

// Loss holds the three ELBO components of one filtering step. Recon and
// Dynamics are negative log-likelihoods; Entropy is the posterior entropy.
type Loss struct {
	Recon    float64
	Dynamics float64
	Entropy  float64
}

// Total returns the negative ELBO: Recon + Dynamics - Entropy.
func (l Loss) Total() float64 { return l.Recon + l.Dynamics - l.Entropy }

// UpdateGroups selects which parameter groups an update call steps. Each
// group owns an independent optimizer: decoder (with the observation noise),
// dynamics, encoder, and process noise.
type UpdateGroups struct {
	Decoder  bool
	Dynamics bool
	Encoder  bool
	Noise    bool
}

// AllGroups enables every parameter group.
func AllGroups() UpdateGroups {
	return UpdateGroups{Decoder: true, Dynamics: true, Encoder: true, Noise: true}
}

// FeedOptions configures one filtering step.
type FeedOptions struct {
	// Groups selects the optimizers stepped when Update is set.
	Groups UpdateGroups
	// Update runs backpropagation, gradient clipping, and the selected
	// optimizer steps after the forward pass.
	Update bool
	// Sample draws states by reparametrization (stochastic VI); otherwise
	// posterior means are used.
	Sample bool
	// Regularize adds an L2 penalty gradient on decoder and encoder weights.
	Regularize bool
	// ClosedForm runs the non-gradient dynamics weight update (Kalman or
	// RLS, per configuration) on the step's state transition. It is the
	// alternative to gradient-training the dynamics and is never combined
	// with a dynamics gradient step within one call.
	ClosedForm bool
}

// DefaultFeedOptions updates every group per step with sampling on.
func DefaultFeedOptions() FeedOptions {
	return FeedOptions{Groups: AllGroups(), Update: true, Sample: true}
}

// FilterOptions configures a sequence-level filtering pass.
type FilterOptions struct {
	FeedOptions
	// TimeMajor marks ys/us as time-indexed slices of (batch x dim)
	// matrices; otherwise they are batch-indexed slices of (time x dim)
	// matrices. Outputs mirror the input layout.
	TimeMajor bool
}

// DefaultFilterOptions runs per-step updates on time-major input.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{FeedOptions: DefaultFeedOptions(), TimeMajor: true}
}

// FitOptions configures the pseudo-offline training loop.
type FitOptions struct {
	Groups    UpdateGroups
	TimeMajor bool
	// MaxIter bounds the outer iterations; defaults to 10 when zero.
	MaxIter int
}

// DefaultFitOptions trains decoder, dynamics, and encoder but leaves the
// process noise fixed, matching the online filtering defaults.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		Groups:    UpdateGroups{Decoder: true, Dynamics: true, Encoder: true},
		TimeMajor: true,
		MaxIter:   10,
	}
}

// VJF is the filtering/training orchestrator. It owns every sub-module
// parameter and one optimizer per parameter group; no sub-module refers back
// to it. The dynamics closed-form update is invoked by the orchestrator but
// mutates only the regressor posterior.
type VJF struct {
	conf Config
	rng  *rand.Rand
	log  *zap.Logger

	likelihood Likelihood
	decoder    *linear
	dynamics   *RBFDynamics
	recognizer *Recognizer

	priorMean   []float64
	priorLogvar []float64

	decoderParams  []param
	dynamicsParams []param
	encoderParams  []param
	noiseParams    []param

	decoderOpt  *Adam
	dynamicsOpt *Adam
	encoderOpt  *Adam
	noiseOpt    *Adam
}

// New constructs a model from the configuration, defaulting unset fields.
func New(conf Config) (*VJF, error) {
	conf.setDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	act, err := newActivation(conf.Activation)
	if err != nil {
		return nil, err
	}
	lik, err := newLikelihood(conf.Likelihood, conf.R)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(conf.Seed))
	dyn, err := NewRBFDynamics(conf.XDim, conf.UDim, conf.NumRBF, conf.Q, conf.WeightUpdate, conf.Diffusion, rng)
	if err != nil {
		return nil, err
	}
	rec := newRecognizer(conf.YDim+conf.UDim+conf.XDim, conf.XDim, conf.HiddenSizes, act, conf.BatchNorm, rng)
	dec := newLinear(conf.XDim, conf.YDim, rng)

	m := &VJF{
		conf:        conf,
		rng:         rng,
		log:         conf.Logger,
		likelihood:  lik,
		decoder:     dec,
		dynamics:    dyn,
		recognizer:  rec,
		priorMean:   make([]float64, conf.XDim),
		priorLogvar: make([]float64, conf.XDim),
	}
	// The decoder group carries the observation noise; the dynamics group is
	// empty in this design because the transition weights are learned by the
	// closed-form path and the feature bank is frozen.
	m.decoderParams = append(dec.params(), lik.params()...)
	m.encoderParams = rec.params()
	m.noiseParams = dyn.noiseParams()

	m.decoderOpt = NewAdam(m.decoderParams, conf.LR)
	m.dynamicsOpt = NewAdam(m.dynamicsParams, conf.LR)
	m.encoderOpt = NewAdam(m.encoderParams, conf.LR)
	m.noiseOpt = NewAdam(m.noiseParams, conf.LR)
	return m, nil
}

// Dynamics exposes the transition model, e.g. for Simulate or a manual
// closed-form update.
func (m *VJF) Dynamics() *RBFDynamics { return m.dynamics }

// Prior broadcasts the global prior mean and log-variance to the batch size.
func (m *VJF) Prior(batch int) DiagonalGaussian {
	mean := mat.NewDense(batch, m.conf.XDim, nil)
	logvar := mat.NewDense(batch, m.conf.XDim, nil)
	for i := 0; i < batch; i++ {
		mean.SetRow(i, m.priorMean)
		logvar.SetRow(i, m.priorLogvar)
	}
	return DiagonalGaussian{Mean: mean, Logvar: logvar}
}

func (m *VJF) allParams() []param {
	ps := make([]param, 0, len(m.decoderParams)+len(m.dynamicsParams)+len(m.encoderParams)+len(m.noiseParams))
	ps = append(ps, m.decoderParams...)
	ps = append(ps, m.dynamicsParams...)
	ps = append(ps, m.encoderParams...)
	ps = append(ps, m.noiseParams...)
	return ps
}

// checkStepInputs validates the single-step shape contract before any
// parameter is mutated. Mismatches are fatal, never broadcast past.
func (m *VJF) checkStepInputs(y, u *mat.Dense, q *DiagonalGaussian) error {
	if y == nil {
		return fmt.Errorf("observation must not be nil")
	}
	if _, c := y.Dims(); c != m.conf.YDim {
		return fmt.Errorf("observation has %d columns, model has ydim=%d", c, m.conf.YDim)
	}
	if m.conf.UDim == 0 {
		if u != nil {
			return fmt.Errorf("control given to an autonomous model (udim=0)")
		}
	} else {
		if u == nil {
			return fmt.Errorf("model expects a control of dimension %d, got none", m.conf.UDim)
		}
		if err := checkMatDims(y, u, "y", "u", rows2rows); err != nil {
			return err
		}
		if _, c := u.Dims(); c != m.conf.UDim {
			return fmt.Errorf("control has %d columns, model has udim=%d", c, m.conf.UDim)
		}
	}
	if q != nil {
		if err := checkMatDims(q.Mean, q.Logvar, "posterior mean", "posterior logvar", rowsAndcols); err != nil {
			return err
		}
		if err := checkMatDims(y, q.Mean, "y", "posterior", rows2rows); err != nil {
			return err
		}
		if _, c := q.Mean.Dims(); c != m.conf.XDim {
			return fmt.Errorf("posterior has %d columns, model has xdim=%d", c, m.conf.XDim)
		}
	}
	return nil
}

// stepState carries the forward-pass intermediates one backward pass needs.
type stepState struct {
	y, u    *mat.Dense
	xs      *mat.Dense // sample from the previous posterior
	pt      *mat.Dense // dynamics prediction
	q1      DiagonalGaussian
	xt, eps *mat.Dense // posterior sample and its noise draw
	eta     *mat.Dense // decoded natural parameter
	sample  bool
	loss    Loss
}

// step runs the forward phase order: predict, recognize, decode, loss.
func (m *VJF) step(y, u *mat.Dense, qs DiagonalGaussian, sample bool) (stepState, error) {
	st := stepState{y: y, u: u, sample: sample}

	if sample {
		st.xs, _ = qs.Reparametrize(m.rng)
	} else {
		var xs mat.Dense
		xs.CloneFrom(qs.Mean)
		st.xs = &xs
	}

	pt, err := m.dynamics.Forward(st.xs, u, sample, m.rng)
	if err != nil {
		return st, err
	}
	st.pt = pt

	var in mat.Dense
	if m.conf.UDim > 0 {
		var yu mat.Dense
		yu.Augment(y, u)
		in.Augment(&yu, pt)
	} else {
		in.Augment(y, pt)
	}
	st.q1 = m.recognizer.Forward(&in)

	if sample {
		st.xt, st.eps = st.q1.Reparametrize(m.rng)
	} else {
		var xt mat.Dense
		xt.CloneFrom(st.q1.Mean)
		st.xt = &xt
	}
	st.eta = m.decoder.forward(st.xt)

	recon, err := m.likelihood.Loss(st.eta, y)
	if err != nil {
		return st, err
	}
	dyn, err := m.dynamics.Loss(pt, st.xt)
	if err != nil {
		return st, err
	}
	st.loss = Loss{Recon: recon, Dynamics: dyn, Entropy: st.q1.Entropy()}
	return st, nil
}

// backward accumulates the gradients of the step's negative ELBO into every
// parameter group buffer. The chain runs likelihood -> decoder ->
// dynamics loss -> reparametrization -> recognizer; the previous posterior
// was detached, so nothing flows across time steps.
func (m *VJF) backward(st stepState, regularize bool) {
	dEta := m.likelihood.Backward(st.eta, st.y)
	dXt := m.decoder.backward(dEta)
	dXt.Add(dXt, m.dynamics.lossBackward(st.pt, st.xt))

	n, d := dXt.Dims()
	dLogvar := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			// Entropy enters the total as -H, contributing -0.5/batch to
			// every log-variance component.
			g := -0.5 / float64(n)
			if st.sample {
				std := math.Exp(0.5 * st.q1.Logvar.At(i, j))
				g += dXt.At(i, j) * 0.5 * std * st.eps.At(i, j)
			}
			dLogvar.Set(i, j, g)
		}
	}
	m.recognizer.Backward(dXt, dLogvar)

	if regularize {
		m.decoder.weightL2(regLambda)
		m.recognizer.weightL2(regLambda)
	}
}

// stepGroups clips the accumulated gradients and steps the enabled
// optimizers.
func (m *VJF) stepGroups(g UpdateGroups) {
	clipGrads(m.allParams(), m.conf.ClipGradients)
	if g.Decoder {
		m.decoderOpt.Step(m.decoderParams)
	}
	if g.Dynamics {
		m.dynamicsOpt.Step(m.dynamicsParams)
	}
	if g.Encoder {
		m.encoderOpt.Step(m.encoderParams)
	}
	if g.Noise {
		m.noiseOpt.Step(m.noiseParams)
	}
}

// Feed filters one observation. The incoming posterior q0 (or the prior
// when nil) is detached, a state is sampled from it, the dynamics predict
// the new location, the recognizer folds in the observation, and the
// decoded sample is scored. With Update set, the step's gradients are
// applied to the selected groups; with ClosedForm set, the dynamics weight
// posterior absorbs the transition instead.
func (m *VJF) Feed(y, u *mat.Dense, q0 *DiagonalGaussian, opt FeedOptions) (DiagonalGaussian, Loss, error) {
	if err := m.checkStepInputs(y, u, q0); err != nil {
		return DiagonalGaussian{}, Loss{}, err
	}
	var qs DiagonalGaussian
	if q0 == nil {
		qs = m.Prior(rows(y))
	} else {
		qs = q0.Detach()
	}

	st, err := m.step(y, u, qs, opt.Sample)
	if err != nil {
		return DiagonalGaussian{}, Loss{}, err
	}
	if opt.Update {
		zeroGrads(m.allParams())
		m.backward(st, opt.Regularize)
		m.stepGroups(opt.Groups)
	}
	if opt.ClosedForm {
		if err := m.dynamics.Update(st.xs, st.xt, u); err != nil {
			return DiagonalGaussian{}, Loss{}, err
		}
	}
	return st.q1, st.loss, nil
}

// Filter runs Feed over a sequence, carrying the posterior across steps.
// ys and us follow the layout declared by opt.TimeMajor and must agree in
// length and batch size; us is nil for autonomous models. The returned
// posteriors mirror the input layout.
func (m *VJF) Filter(ys, us []*mat.Dense, q0 *DiagonalGaussian, opt FilterOptions) ([]DiagonalGaussian, []Loss, error) {
	tys, tus, err := m.toTimeMajor(ys, us, opt.TimeMajor)
	if err != nil {
		return nil, nil, err
	}
	posteriors := make([]DiagonalGaussian, 0, len(tys))
	losses := make([]Loss, 0, len(tys))
	q := q0
	for t := range tys {
		var u *mat.Dense
		if tus != nil {
			u = tus[t]
		}
		qt, loss, err := m.Feed(tys[t], u, q, opt.FeedOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", t, err)
		}
		posteriors = append(posteriors, qt)
		losses = append(losses, loss)
		q = &posteriors[len(posteriors)-1]
	}
	if !opt.TimeMajor {
		return batchMajorPosteriors(posteriors), losses, nil
	}
	return posteriors, losses, nil
}

// Fit trains pseudo-offline: it repeats whole-sequence filtering passes,
// accumulating gradients across all steps and applying one combined update
// per pass, decaying the decoder, dynamics, and encoder learning rates after
// every pass. The noise group keeps its flat rate.
// It stops early once the per-step loss stops changing within floating
// tolerance, and reports via the logger when the iteration budget runs out
// first. Returned posteriors come from the final pass.
func (m *VJF) Fit(ys, us []*mat.Dense, q0 *DiagonalGaussian, opt FitOptions) ([]DiagonalGaussian, float64, error) {
	if opt.MaxIter <= 0 {
		opt.MaxIter = 10
	}
	tys, tus, err := m.toTimeMajor(ys, us, opt.TimeMajor)
	if err != nil {
		return nil, 0, err
	}
	steps := len(tys)
	if steps == 0 {
		return nil, 0, fmt.Errorf("empty observation sequence")
	}

	var bar *progressbar.ProgressBar
	if !m.conf.Quiet {
		bar = progressbar.NewOptions(opt.MaxIter, progressbar.OptionSetDescription("fit"))
	}

	all := m.allParams()
	loss := math.NaN()
	var posteriors []DiagonalGaussian
	converged := false
	for iter := 0; iter < opt.MaxIter; iter++ {
		zeroGrads(all)
		posteriors = posteriors[:0]
		var total float64
		q := q0
		for t := range tys {
			var u *mat.Dense
			if tus != nil {
				u = tus[t]
			}
			if err := m.checkStepInputs(tys[t], u, q); err != nil {
				return nil, 0, fmt.Errorf("step %d: %w", t, err)
			}
			var qs DiagonalGaussian
			if q == nil {
				qs = m.Prior(rows(tys[t]))
			} else {
				qs = q.Detach()
			}
			st, err := m.step(tys[t], u, qs, true)
			if err != nil {
				return nil, 0, fmt.Errorf("step %d: %w", t, err)
			}
			m.backward(st, false)
			total += st.loss.Total()
			posteriors = append(posteriors, st.q1)
			q = &posteriors[len(posteriors)-1]
		}
		newLoss := total / float64(steps)
		if bar != nil {
			bar.Describe(fmt.Sprintf("fit loss=%.6g", newLoss))
			_ = bar.Add(1)
		}
		if !math.IsNaN(loss) && scalar.EqualWithinAbsOrRel(loss, newLoss, fitAbsTol, fitRelTol) {
			m.log.Info("fit converged", zap.Int("iter", iter), zap.Float64("loss", newLoss))
			loss = newLoss
			converged = true
			break
		}
		loss = newLoss
		m.log.Debug("fit iteration", zap.Int("iter", iter), zap.Float64("loss", loss))

		scaleGrads(all, 1/float64(steps))
		m.stepGroups(opt.Groups)
		if opt.Groups.Decoder {
			m.decoderOpt.DecayLR(m.conf.LRDecay)
		}
		if opt.Groups.Dynamics {
			m.dynamicsOpt.DecayLR(m.conf.LRDecay)
		}
		if opt.Groups.Encoder {
			m.encoderOpt.DecayLR(m.conf.LRDecay)
		}
		// The noise group is stepped but never scheduled.
	}
	if !converged {
		m.log.Warn("fit reached the iteration budget without converging",
			zap.Int("max_iter", opt.MaxIter), zap.Float64("loss", loss))
	}
	if !opt.TimeMajor {
		posteriors = batchMajorPosteriors(posteriors)
	}
	return posteriors, loss, nil
}

// Forecast rolls the dynamics out from x0 (batch x xdim) for the given
// number of steps with no new observations, injecting process noise at each
// step, and decodes every latent state to the likelihood's mean. With
// inclusive, the trajectories include the initial state as their first
// entry.
func (m *VJF) Forecast(x0 *mat.Dense, steps int, inclusive bool) (latent, obs []*mat.Dense, err error) {
	if steps < 1 {
		return nil, nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	latent, err = m.dynamics.Simulate(x0, steps, m.rng)
	if err != nil {
		return nil, nil, err
	}
	obs = make([]*mat.Dense, len(latent))
	for i, x := range latent {
		obs[i] = m.likelihood.Mean(m.decoder.forward(x))
	}
	if !inclusive {
		latent = latent[1:]
		obs = obs[1:]
	}
	return latent, obs, nil
}

// toTimeMajor normalizes sequence input to the internal time-major layout.
func (m *VJF) toTimeMajor(ys, us []*mat.Dense, timeMajor bool) ([]*mat.Dense, []*mat.Dense, error) {
	if len(ys) == 0 {
		return nil, nil, fmt.Errorf("empty observation sequence")
	}
	if us != nil && len(us) != len(ys) {
		return nil, nil, fmt.Errorf("y has %d entries, u has %d", len(ys), len(us))
	}
	if timeMajor {
		return ys, us, nil
	}
	tys, err := transposeSeq(ys)
	if err != nil {
		return nil, nil, fmt.Errorf("y: %w", err)
	}
	var tus []*mat.Dense
	if us != nil {
		if tus, err = transposeSeq(us); err != nil {
			return nil, nil, fmt.Errorf("u: %w", err)
		}
	}
	return tys, tus, nil
}

// transposeSeq re-slices S matrices of (R x C) into R matrices of (S x C),
// swapping the leading two axes.
func transposeSeq(seq []*mat.Dense) ([]*mat.Dense, error) {
	r0, c0 := seq[0].Dims()
	for i, s := range seq[1:] {
		if err := checkMatDims(seq[0], s, "seq[0]", fmt.Sprintf("seq[%d]", i+1), rowsAndcols); err != nil {
			return nil, err
		}
	}
	out := make([]*mat.Dense, r0)
	for r := 0; r < r0; r++ {
		o := mat.NewDense(len(seq), c0, nil)
		for s := range seq {
			o.SetRow(s, seq[s].RawRowView(r))
		}
		out[r] = o
	}
	return out, nil
}

// batchMajorPosteriors converts time-major posteriors (one per step, rows =
// batch) into batch-major posteriors (one per batch element, rows = time).
func batchMajorPosteriors(ps []DiagonalGaussian) []DiagonalGaussian {
	means := make([]*mat.Dense, len(ps))
	logvars := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		means[i] = p.Mean
		logvars[i] = p.Logvar
	}
	tm, _ := transposeSeq(means)
	tl, _ := transposeSeq(logvars)
	out := make([]DiagonalGaussian, len(tm))
	for i := range tm {
		out[i] = DiagonalGaussian{Mean: tm[i], Logvar: tl[i]}
	}
	return out
}

func rows(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}
