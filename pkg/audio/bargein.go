package audio

// DefaultBargeInFrames is ~400 ms of sustained speech in 20 ms frames
const DefaultBargeInFrames = 20

// BargeInDetector counts consecutive loud frames while the agent is talking
type BargeInDetector struct {
	required    int
	consecutive int
}

// NewBargeInDetector creates a detector firing after frames consecutive hits
func NewBargeInDetector(frames int) *BargeInDetector {
	if frames <= 0 {
		frames = DefaultBargeInFrames
	}
	return &BargeInDetector{required: frames}
}

// Observe feeds one frame's energy. It returns true exactly once per
// sustained burst, on the frame that reaches the required count.
func (d *BargeInDetector) Observe(energy, threshold float64, agentSpeaking bool) bool {
	if !agentSpeaking || energy <= threshold {
		d.consecutive = 0
		return false
	}
	d.consecutive++
	if d.consecutive == d.required {
		d.consecutive = 0
		return true
	}
	return false
}

// Reset clears the running count
func (d *BargeInDetector) Reset() {
	d.consecutive = 0
}
