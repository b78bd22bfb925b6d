package audio

import (
	"math"
	"sort"
	"sync"
)

// CalibrationState is the lifecycle of a per-call noise floor estimate
type CalibrationState int

const (
	Uncalibrated CalibrationState = iota
	Calibrating
	Calibrated
)

func (s CalibrationState) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Calibrated:
		return "calibrated"
	default:
		return "unknown"
	}
}

const (
	CalibrationSamples    = 30
	CalibrationPercentile = 75.0
	MinNoiseFloor         = 30.0
	MaxNoiseFloor         = 200.0
	MinBargeInThreshold   = 100.0
	DefaultVADThreshold   = 50.0
)

// NoiseCalibrator estimates line noise from energy measured while the agent
// is talking, so caller speech never skews it.
type NoiseCalibrator struct {
	mu         sync.Mutex
	state      CalibrationState
	samples    []float64
	noiseFloor float64
}

// NewNoiseCalibrator returns an uncalibrated estimator
func NewNoiseCalibrator() *NoiseCalibrator {
	return &NoiseCalibrator{samples: make([]float64, 0, CalibrationSamples)}
}

// AddSample records one energy reading. Readings taken while the agent is
// silent, or after calibration finished, are ignored. It returns true on the
// sample that completes calibration.
func (c *NoiseCalibrator) AddSample(energy float64, agentSpeaking bool) bool {
	if !agentSpeaking {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Calibrated {
		return false
	}
	c.state = Calibrating
	c.samples = append(c.samples, energy)
	if len(c.samples) < CalibrationSamples {
		return false
	}

	floor := percentile(c.samples, CalibrationPercentile)
	c.noiseFloor = math.Min(math.Max(floor, MinNoiseFloor), MaxNoiseFloor)
	c.state = Calibrated
	c.samples = nil
	return true
}

// State returns the calibration state
func (c *NoiseCalibrator) State() CalibrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SampleCount returns how many samples have been collected so far
func (c *NoiseCalibrator) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Calibrated {
		return CalibrationSamples
	}
	return len(c.samples)
}

// NoiseFloor returns the estimate, or zero before calibration completes
func (c *NoiseCalibrator) NoiseFloor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noiseFloor
}

// BargeInThreshold is max(2*floor, 100); before calibration the floor is 0
// so the minimum applies.
func (c *NoiseCalibrator) BargeInThreshold() float64 {
	return math.Max(c.NoiseFloor()*2, MinBargeInThreshold)
}

// VADThreshold is the general speech threshold: the fixed default until
// calibration completes, the noise floor afterwards.
func (c *NoiseCalibrator) VADThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Calibrated {
		return DefaultVADThreshold
	}
	return c.noiseFloor
}

// percentile uses linear interpolation between closest ranks
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}
