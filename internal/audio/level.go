package audio

import (
	"encoding/binary"
	"math"
)

// levelFromPCM reduces a quantum of little-endian s16 PCM to the 0-100
// scale the meter renders. RMS over the quantum with a fixed gain that
// puts normal speech in the middle of the range.
func levelFromPCM(pcm []byte) int {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768
		sum += v * v
	}

	rms := math.Sqrt(sum / float64(samples))
	level := int(math.Round(rms * 350))
	if level > 100 {
		level = 100
	}
	return level
}
