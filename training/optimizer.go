package training

import "github.com/tsawler/braintriage/checkpoints"

// Optimizer updates the model's parameters from accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// LearningRater is implemented by optimizers whose step size can be scheduled.
type LearningRater interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// StateExporter is implemented by optimizers that can save their state into a
// checkpoint.
type StateExporter interface {
	ExportState() *checkpoints.OptimizerState
}
