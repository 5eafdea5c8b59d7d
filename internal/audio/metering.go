// Package audio provides level metering, the amplitude gate and the
// capture and playback devices.
package audio

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// MaxAmplitude is the largest magnitude a 16-bit sample reports.
const MaxAmplitude = 32767

// PeakToDB converts a peak amplitude to decibels with 20*log10(amp).
// The reference is uncalibrated: 0 is returned for silence and the
// result is only meaningful relative to a configured threshold.
func PeakToDB(amplitude int) float64 {
	if amplitude <= 0 {
		return 0
	}
	return 20 * math.Log10(float64(amplitude))
}

// PeakAmplitude returns the largest absolute sample value in a S16LE
// buffer of n bytes, clamped to MaxAmplitude.
func PeakAmplitude(buf []byte, n int) int {
	peak := 0
	for i := 0; i+1 < n; i += 2 {
		s := int(int16(binary.LittleEndian.Uint16(buf[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return min(peak, MaxAmplitude)
}

// PeakMeter tracks the highest amplitude since the last Take.
// It is safe for concurrent use.
type PeakMeter struct {
	peak atomic.Int32
}

// Observe records a peak if it exceeds the current one.
func (m *PeakMeter) Observe(amplitude int) {
	v := int32(min(amplitude, MaxAmplitude)) //nolint:gosec // clamped to 16-bit range
	for {
		cur := m.peak.Load()
		if v <= cur || m.peak.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Take returns the current peak and resets it to zero.
func (m *PeakMeter) Take() int {
	return int(m.peak.Swap(0))
}
