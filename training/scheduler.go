package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their arguments unless they also implement PlateauScheduler.
type LRScheduler interface {
	LR(epoch int, baseLR float64) float64
	Name() string
}

// PlateauScheduler is a scheduler driven by the validation loss.
type PlateauScheduler interface {
	LRScheduler
	Observe(valLoss float64, currentLR float64) float64
}

// SchedulerConfig selects and parameterizes a scheduler.
type SchedulerConfig struct {
	Name     string  `yaml:"name"`
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
	Patience int     `yaml:"patience"`
}

// NewScheduler builds the scheduler named in cfg. An empty name selects a
// constant learning rate.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "constant":
		return ConstantLR{}, nil
	case "step":
		return NewStepLR(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLR(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLR(cfg.TMax, cfg.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateau(cfg.Gamma, cfg.Patience), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", cfg.Name)
	}
}

// ConstantLR keeps the base learning rate.
type ConstantLR struct{}

func (ConstantLR) LR(epoch int, baseLR float64) float64 { return baseLR }
func (ConstantLR) Name() string                          { return "constant" }

// StepLR multiplies the rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR creates a step scheduler. Out of range arguments fall back to a
// step of 30 epochs and a factor of 0.1.
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) Name() string { return "step" }

// ExponentialLR multiplies the rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLR{Gamma: gamma}
}

func (s *ExponentialLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) Name() string { return "exponential" }

// CosineAnnealingLR anneals from the base rate to EtaMin over TMax epochs.
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLR) LR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string { return "cosine" }

// ReduceLROnPlateau cuts the rate by Factor after Patience epochs without a
// lower validation loss.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int

	best      float64
	badEpochs int
	current   float64
	started   bool
}

func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	return &ReduceLROnPlateau{Factor: factor, Patience: patience}
}

// Observe records an epoch's validation loss and returns the rate to use next.
func (s *ReduceLROnPlateau) Observe(valLoss float64, currentLR float64) float64 {
	if !s.started {
		s.best = valLoss
		s.current = currentLR
		s.started = true
		return currentLR
	}
	if valLoss < s.best {
		s.best = valLoss
		s.badEpochs = 0
		return s.current
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.current *= s.Factor
		s.badEpochs = 0
	}
	return s.current
}

func (s *ReduceLROnPlateau) LR(epoch int, baseLR float64) float64 {
	if s.started {
		return s.current
	}
	return baseLR
}

func (s *ReduceLROnPlateau) Name() string { return "plateau" }
