package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/braintriage/checkpoints"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Nesterov     bool    `yaml:"nesterov"`
}

// DefaultSGDConfig returns default SGD configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	config    SGDConfig
	params    []*Parameter
	velocity  [][]float64 // nil without momentum
	stepCount uint64
}

// NewSGD creates an optimizer over params.
func NewSGD(config SGDConfig, params []*Parameter) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	sgd := &SGD{config: config, params: params}
	if config.Momentum > 0 {
		sgd.velocity = make([][]float64, len(params))
		for i, p := range params {
			sgd.velocity[i] = make([]float64, len(p.Value))
		}
	}
	return sgd, nil
}

// ZeroGrad implements training.Optimizer.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// Step implements training.Optimizer.
func (s *SGD) Step() error {
	lr, mu, wd := s.config.LearningRate, s.config.Momentum, s.config.WeightDecay
	for i, p := range s.params {
		g := append([]float64(nil), p.Grad...)
		if wd > 0 {
			floats.AddScaled(g, wd, p.Value)
		}
		if s.velocity != nil {
			v := s.velocity[i]
			floats.Scale(mu, v)
			floats.Add(v, g)
			if s.config.Nesterov {
				floats.AddScaled(g, mu, v)
			} else {
				copy(g, v)
			}
		}
		floats.AddScaled(p.Value, -lr, g)
	}
	s.stepCount++
	return nil
}

// StepCount returns the number of steps taken.
func (s *SGD) StepCount() uint64 { return s.stepCount }

// LearningRate implements training.LearningRater.
func (s *SGD) LearningRate() float64 { return s.config.LearningRate }

// SetLearningRate implements training.LearningRater.
func (s *SGD) SetLearningRate(lr float64) { s.config.LearningRate = lr }

// ExportState implements training.StateExporter.
func (s *SGD) ExportState() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
			"step_count":    s.stepCount,
		},
		StateData: []checkpoints.OptimizerTensor{},
	}
	for i, v := range s.velocity {
		data := make([]float32, len(v))
		for j, x := range v {
			data[j] = float32(x)
		}
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     append([]int(nil), s.params[i].Shape...),
			Data:      data,
			StateType: "momentum",
		})
	}
	return state
}

// LoadState restores momentum buffers and the step count from a checkpoint.
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil || state.Type != "SGD" {
		return fmt.Errorf("cannot load %v state into SGD", state)
	}
	if n, ok := state.Parameters["step_count"].(float64); ok {
		s.stepCount = uint64(n)
	} else if n, ok := state.Parameters["step_count"].(uint64); ok {
		s.stepCount = n
	}
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(t.Name, "momentum_%d", &idx); err != nil || idx < 0 || idx >= len(s.velocity) {
			return fmt.Errorf("invalid momentum tensor %q", t.Name)
		}
		if len(t.Data) != len(s.velocity[idx]) {
			return fmt.Errorf("momentum tensor %q has %d values, want %d", t.Name, len(t.Data), len(s.velocity[idx]))
		}
		for j, x := range t.Data {
			s.velocity[idx][j] = float64(x)
		}
	}
	return nil
}
