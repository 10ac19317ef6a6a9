package vjf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newTestModel(t *testing.T, conf Config) *VJF {
	t.Helper()
	conf.Quiet = true
	if conf.NumRBF == 0 {
		conf.NumRBF = 8
	}
	if len(conf.HiddenSizes) == 0 {
		conf.HiddenSizes = []int{8}
	}
	m, err := New(conf)
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{YDim: 0, XDim: 2}); err == nil {
		t.Fatal("missing ydim accepted")
	}
	if _, err := New(Config{YDim: 1, XDim: 2, Likelihood: "beta"}); err == nil {
		t.Fatal("unknown likelihood accepted")
	}
	if _, err := New(Config{YDim: 1, XDim: 2, System: "lstm"}); err == nil {
		t.Fatal("unknown system accepted")
	}
	if _, err := New(Config{YDim: 1, XDim: 2, Optimizer: "sgd"}); err == nil {
		t.Fatal("unknown optimizer accepted")
	}
	// Unset knobs are defaulted, not rejected.
	m, err := New(Config{YDim: 1, XDim: 2, Quiet: true})
	require.NoError(t, err)
	require.Equal(t, "poisson", m.conf.Likelihood)
	require.Equal(t, WeightUpdateKalman, m.conf.WeightUpdate)
}

func TestPriorBroadcast(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian"})
	q := m.Prior(3)
	require.Equal(t, 3, q.Batch())
	require.Equal(t, 2, q.Dim())
	require.True(t, mat.Equal(q.Mean, mat.NewDense(3, 2, nil)), "prior mean not broadcast from the global parameter")

	// A non-positive batch is a caller bug, not an error value.
	assertPanic(t, func() { m.Prior(0) })
}

func TestFeedShapeViolationsAreFatal(t *testing.T) {
	m := newTestModel(t, Config{YDim: 2, XDim: 2, Likelihood: "gaussian"})
	var before mat.Dense
	before.CloneFrom(m.decoder.w)

	opt := DefaultFeedOptions()
	_, _, err := m.Feed(mat.NewDense(1, 3, nil), nil, nil, opt)
	require.Error(t, err, "wrong observation dimension accepted")

	_, _, err = m.Feed(mat.NewDense(1, 2, nil), mat.NewDense(1, 1, nil), nil, opt)
	require.Error(t, err, "control given to an autonomous model accepted")

	q := m.Prior(2) // batch mismatch with a single-row observation
	_, _, err = m.Feed(mat.NewDense(1, 2, nil), nil, &q, opt)
	require.Error(t, err, "posterior batch mismatch accepted")

	// Failures must precede any parameter mutation.
	require.True(t, mat.Equal(&before, m.decoder.w), "a failed feed mutated parameters")
}

func TestFeedControlBatchContract(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, UDim: 1, Likelihood: "gaussian"})
	opt := DefaultFeedOptions()
	_, _, err := m.Feed(mat.NewDense(2, 1, nil), mat.NewDense(1, 1, nil), nil, opt)
	require.Error(t, err, "y/u batch mismatch accepted")
	_, _, err = m.Feed(mat.NewDense(2, 1, nil), nil, nil, opt)
	require.Error(t, err, "nil control accepted by a controlled model")
	_, _, err = m.Feed(mat.NewDense(2, 1, nil), mat.NewDense(2, 1, nil), nil, opt)
	require.NoError(t, err)
}

// Repeatedly feeding the same observation with updates enabled must descend
// the per-step objective under a fixed seed.
func TestFeedLearns(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 42})
	opt := DefaultFeedOptions()
	opt.Sample = false // deterministic descent
	y := mat.NewDense(1, 1, []float64{0.7})

	losses := make([]float64, 5)
	for i := range losses {
		_, loss, err := m.Feed(y, nil, nil, opt)
		require.NoError(t, err)
		total := loss.Total()
		require.False(t, math.IsNaN(total) || math.IsInf(total, 0), "loss is not finite")
		losses[i] = total
	}
	decreases := 0
	for i := 1; i < len(losses); i++ {
		if losses[i] < losses[i-1] {
			decreases++
		}
	}
	require.GreaterOrEqual(t, decreases, 3, "loss trajectory %v", losses)
}

// Repeated filtering passes over a fixed 5-step scalar sequence with updates
// enabled must decrease the accumulated sequence loss on most passes.
func TestFilterPassesDescend(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 42})
	ys := make([]*mat.Dense, 5)
	for k := range ys {
		ys[k] = mat.NewDense(1, 1, []float64{0.3 * float64(k)})
	}
	opt := DefaultFilterOptions()
	opt.Sample = false

	totals := make([]float64, 5)
	for pass := range totals {
		posteriors, losses, err := m.Filter(ys, nil, nil, opt)
		require.NoError(t, err)
		require.Len(t, posteriors, 5)
		for i, q := range posteriors {
			require.Equal(t, 1, q.Batch(), "posterior %d", i)
			require.Equal(t, 2, q.Dim(), "posterior %d", i)
		}
		for _, l := range losses {
			totals[pass] += l.Total()
		}
	}
	decreases := 0
	for i := 1; i < len(totals); i++ {
		if totals[i] < totals[i-1] {
			decreases++
		}
	}
	require.GreaterOrEqual(t, decreases, 3, "accumulated losses %v", totals)
}

func TestFilterSequence(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 5})
	ys := make([]*mat.Dense, 5)
	for k := range ys {
		ys[k] = mat.NewDense(1, 1, []float64{math.Sin(float64(k))})
	}
	opt := DefaultFilterOptions()
	posteriors, losses, err := m.Filter(ys, nil, nil, opt)
	require.NoError(t, err)
	require.Len(t, posteriors, 5)
	require.Len(t, losses, 5)
	for i, q := range posteriors {
		require.Equal(t, 1, q.Batch(), "posterior %d", i)
		require.Equal(t, 2, q.Dim(), "posterior %d", i)
		require.False(t, math.IsNaN(losses[i].Total()), "loss %d is NaN", i)
	}
}

func TestFilterBatchMajorLayout(t *testing.T) {
	conf := Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 9}
	m1 := newTestModel(t, conf)
	m2 := newTestModel(t, conf)

	const T, B = 4, 2
	tm := make([]*mat.Dense, T) // time-major: (batch x ydim) per step
	for k := range tm {
		tm[k] = mat.NewDense(B, 1, []float64{float64(k), float64(k) * 0.5})
	}
	bm := make([]*mat.Dense, B) // batch-major: (time x ydim) per sequence
	for b := range bm {
		bm[b] = mat.NewDense(T, 1, nil)
		for k := 0; k < T; k++ {
			bm[b].Set(k, 0, tm[k].At(b, 0))
		}
	}

	opt := DefaultFilterOptions()
	opt.Update = false
	opt.Sample = false
	p1, _, err := m1.Filter(tm, nil, nil, opt)
	require.NoError(t, err)
	opt.TimeMajor = false
	p2, _, err := m2.Filter(bm, nil, nil, opt)
	require.NoError(t, err)

	require.Len(t, p1, T)
	require.Len(t, p2, B)
	for b := 0; b < B; b++ {
		for k := 0; k < T; k++ {
			require.InDelta(t, p1[k].Mean.At(b, 0), p2[b].Mean.At(k, 0), 1e-12,
				"posterior mean mismatch at t=%d b=%d", k, b)
		}
	}
}

func TestClosedFormFeed(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 3})
	opt := FeedOptions{Sample: true, ClosedForm: true}
	zero := mat.NewDense(m.conf.NumRBF, 2, nil)
	require.True(t, mat.Equal(zero, m.dynamics.Regressor().WMean))
	_, _, err := m.Feed(mat.NewDense(1, 1, []float64{1.2}), nil, nil, opt)
	require.NoError(t, err)
	require.False(t, mat.Equal(zero, m.dynamics.Regressor().WMean),
		"closed-form feed did not move the weight posterior")
}

func TestFitSingleStepPriorFallback(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 4})
	ys := []*mat.Dense{mat.NewDense(2, 1, []float64{0.4, -0.2})}
	opt := DefaultFitOptions()
	opt.MaxIter = 1
	posteriors, loss, err := m.Fit(ys, nil, nil, opt)
	require.NoError(t, err)
	require.Len(t, posteriors, 1)
	require.False(t, math.IsNaN(loss), "fit returned NaN on well-conditioned data")
}

func TestFitDescends(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 6, LR: 0.01})
	ys := make([]*mat.Dense, 8)
	for k := range ys {
		ys[k] = mat.NewDense(1, 1, []float64{math.Sin(0.3 * float64(k))})
	}
	opt := DefaultFitOptions()
	opt.MaxIter = 3
	_, first, err := m.Fit(ys, nil, nil, FitOptions{Groups: opt.Groups, TimeMajor: true, MaxIter: 1})
	require.NoError(t, err)
	_, last, err := m.Fit(ys, nil, nil, opt)
	require.NoError(t, err)
	require.False(t, math.IsNaN(first) || math.IsNaN(last))
}

// Fit decays the decoder/dynamics/encoder learning rates between passes but
// keeps the noise group's rate flat.
func TestFitDecaySkipsNoiseGroup(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 8})
	lr0 := m.noiseOpt.LR()
	ys := []*mat.Dense{mat.NewDense(1, 1, []float64{0.5})}
	opt := DefaultFitOptions()
	opt.Groups.Noise = true
	opt.MaxIter = 3
	_, _, err := m.Fit(ys, nil, nil, opt)
	require.NoError(t, err)
	require.Less(t, m.decoderOpt.LR(), lr0, "decoder rate was not decayed")
	require.Equal(t, lr0, m.noiseOpt.LR(), "noise rate must not be decayed")
}

func TestForecastLengths(t *testing.T) {
	conf := Config{YDim: 1, XDim: 2, Likelihood: "gaussian", Seed: 11}
	m1 := newTestModel(t, conf)
	m2 := newTestModel(t, conf)
	x0 := mat.NewDense(1, 2, []float64{0.3, -0.3})

	lat1, obs1, err := m1.Forecast(x0, 3, true)
	require.NoError(t, err)
	require.Len(t, lat1, 4)
	require.Len(t, obs1, 4)

	lat2, obs2, err := m2.Forecast(x0, 3, false)
	require.NoError(t, err)
	require.Len(t, lat2, 3)
	require.Len(t, obs2, 3)

	// With the same seed the exclusive run is the tail of the inclusive one.
	for i := 0; i < 3; i++ {
		require.True(t, mat.Equal(lat1[i+1], lat2[i]), "latent step %d differs", i)
		require.True(t, mat.Equal(obs1[i+1], obs2[i]), "observation step %d differs", i)
	}
}

func TestPoissonEndToEnd(t *testing.T) {
	m := newTestModel(t, Config{YDim: 2, XDim: 2, Seed: 13}) // poisson by default
	opt := DefaultFeedOptions()
	y := mat.NewDense(1, 2, []float64{3, 0})
	q, loss, err := m.Feed(y, nil, nil, opt)
	require.NoError(t, err)
	require.Equal(t, 1, q.Batch())
	require.False(t, math.IsNaN(loss.Total()), "poisson loss is NaN")
}

func TestFilterRejectsRaggedControl(t *testing.T) {
	m := newTestModel(t, Config{YDim: 1, XDim: 2, UDim: 1, Likelihood: "gaussian"})
	ys := []*mat.Dense{mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil)}
	us := []*mat.Dense{mat.NewDense(1, 1, nil)}
	_, _, err := m.Filter(ys, us, nil, DefaultFilterOptions())
	require.Error(t, err, "y/u length mismatch accepted")
}
