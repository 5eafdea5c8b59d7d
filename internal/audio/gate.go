package audio

// DefaultGateThreshold is the magnitude below which samples are zeroed.
const DefaultGateThreshold = 30

// ApplyGate zeroes every sample whose magnitude is below threshold and
// returns how many samples it changed. Samples already zero are not counted.
// Applying the gate twice with the same threshold is the same as applying it once.
func ApplyGate(samples []int16, threshold int) int {
	zeroed := 0
	for i, s := range samples {
		mag := int(s)
		if mag < 0 {
			mag = -mag
		}
		if mag < threshold && s != 0 {
			samples[i] = 0
			zeroed++
		}
	}
	return zeroed
}
