// Package vjf implements online variational joint filtering: recursive
// inference of a latent state trajectory from a stream of noisy (possibly
// count-valued) observations, jointly with learning the nonlinear dynamics
// and observation model that generated them.
//
// The latent dynamics are modeled as a radial-basis-function expansion with
// a Bayesian linear readout whose weight posterior admits closed-form
// recursive-least-squares or Kalman updates. An amortized recognition
// network folds each new observation into a diagonal-Gaussian posterior,
// and a per-step evidence lower bound (reconstruction + dynamics + entropy)
// drives gradient updates of the decoder, encoder, and noise parameters
// while filtering. Inference and learning are interleaved one time step at
// a time rather than separated into offline phases.
package vjf
