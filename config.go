package vjf

import (
	"fmt"

	"go.uber.org/zap"
)

// Config specifies a VJF model. The zero value of every optional field is
// replaced by its default during New: unset knobs are defaulted, never
// rejected. YDim and XDim are required.
type Config struct {
	YDim int // observation dimension (required)
	XDim int // latent state dimension (required)
	UDim int // control dimension, 0 for autonomous

	Likelihood string // "poisson" (default) or "gaussian"
	Recognizer string // "mlp" (default)
	System     string // "rbf" (default)

	NumRBF      int     // basis functions in the dynamics feature bank, default 50
	HiddenSizes []int   // recognizer hidden widths, default [32]
	Activation  string  // "tanh" (default) or "relu"
	BatchNorm   bool    // batch-normalize recognizer hidden layers
	Optimizer   string  // "adam" (default and only supported rule)
	LR          float64 // learning rate for every parameter group, default 1e-3
	LRDecay     float64 // multiplicative decay per Fit iteration, default 0.9

	// ClipGradients bounds every gradient component to [-c, c] before an
	// optimizer step; zero disables clipping.
	ClipGradients float64

	Q float64 // initial process (state) noise variance, default 1.0
	R float64 // initial observation noise variance for the Gaussian likelihood, default 1.0

	// WeightUpdate selects the closed-form dynamics weight update policy,
	// "kalman" (default) or "rls". Diffusion is the weight drift variance;
	// zero means no forgetting.
	WeightUpdate string
	Diffusion    float64

	Seed   int64       // RNG seed, default 1
	Quiet  bool        // suppress the Fit progress bar
	Logger *zap.Logger // defaults to zap.NewNop()
}

func (c *Config) setDefaults() {
	if c.Likelihood == "" {
		c.Likelihood = "poisson"
	}
	if c.Recognizer == "" {
		c.Recognizer = "mlp"
	}
	if c.System == "" {
		c.System = "rbf"
	}
	if c.NumRBF == 0 {
		c.NumRBF = 50
	}
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{32}
	}
	if c.Activation == "" {
		c.Activation = "tanh"
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.LR == 0 {
		c.LR = 1e-3
	}
	if c.LRDecay == 0 {
		c.LRDecay = 0.9
	}
	if c.Q == 0 {
		c.Q = 1.0
	}
	if c.R == 0 {
		c.R = 1.0
	}
	if c.WeightUpdate == "" {
		c.WeightUpdate = WeightUpdateKalman
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) validate() error {
	if c.YDim <= 0 || c.XDim <= 0 {
		return fmt.Errorf("YDim and XDim must be positive, got %d and %d", c.YDim, c.XDim)
	}
	if c.UDim < 0 {
		return fmt.Errorf("UDim must be non-negative, got %d", c.UDim)
	}
	if c.Recognizer != "mlp" {
		return fmt.Errorf("unknown recognizer %q", c.Recognizer)
	}
	if c.System != "rbf" {
		return fmt.Errorf("unknown system %q", c.System)
	}
	if c.Optimizer != "adam" {
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.Q < 0 || c.R < 0 {
		return fmt.Errorf("noise variances must be positive, got Q=%g R=%g", c.Q, c.R)
	}
	return nil
}
