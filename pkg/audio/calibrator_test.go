package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalibratorIgnoresCallerSpeech(t *testing.T) {
	c := NewNoiseCalibrator()
	for i := 0; i < 50; i++ {
		assert.False(t, c.AddSample(500, false))
	}
	assert.Equal(t, Uncalibrated, c.State())
	assert.Equal(t, DefaultVADThreshold, c.VADThreshold())
	assert.Equal(t, MinBargeInThreshold, c.BargeInThreshold())
}

func TestCalibratorPercentile(t *testing.T) {
	c := NewNoiseCalibrator()
	completed := false
	for i := 1; i <= CalibrationSamples; i++ {
		if i < CalibrationSamples {
			assert.False(t, c.AddSample(float64(i*4), true))
			assert.Equal(t, Calibrating, c.State())
		} else {
			completed = c.AddSample(float64(i*4), true)
		}
	}
	assert.True(t, completed)
	assert.Equal(t, Calibrated, c.State())

	// samples 4..120, p75 at rank 21.75 -> 88 + 0.75*4
	assert.InDelta(t, 91.0, c.NoiseFloor(), 0.0001)
	assert.InDelta(t, 182.0, c.BargeInThreshold(), 0.0001)
	assert.InDelta(t, 91.0, c.VADThreshold(), 0.0001)

	assert.False(t, c.AddSample(10000, true), "calibration is final")
	assert.InDelta(t, 91.0, c.NoiseFloor(), 0.0001)
}

func TestCalibratorClamps(t *testing.T) {
	tests := []struct {
		name   string
		energy float64
		floor  float64
		barge  float64
	}{
		{"quiet line", 1, MinNoiseFloor, MinBargeInThreshold},
		{"noisy line", 5000, MaxNoiseFloor, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewNoiseCalibrator()
			for i := 0; i < CalibrationSamples; i++ {
				c.AddSample(tt.energy, true)
			}
			assert.Equal(t, tt.floor, c.NoiseFloor())
			assert.Equal(t, tt.barge, c.BargeInThreshold())
		})
	}
}

func TestBargeInDetector(t *testing.T) {
	d := NewBargeInDetector(3)

	assert.False(t, d.Observe(500, 100, true))
	assert.False(t, d.Observe(500, 100, true))
	assert.False(t, d.Observe(50, 100, true), "quiet frame resets the run")
	assert.False(t, d.Observe(500, 100, true))
	assert.False(t, d.Observe(500, 100, true))
	assert.True(t, d.Observe(500, 100, true))

	assert.False(t, d.Observe(500, 100, false), "no barge-in while the agent is silent")
	assert.Equal(t, DefaultBargeInFrames, NewBargeInDetector(0).required)
}
