package audioutil

import (
	"encoding/binary"
	"math"
	"time"
)

// Float32ToPCM16 converts normalized [-1, 1] samples to 16-bit signed little-endian
// bytes. Out-of-range values clamp to the int16 range exactly.
func Float32ToPCM16(samples []float32) []byte {
	result := make([]byte, 2*len(samples))
	for i, sample := range samples {
		var value int16
		switch {
		case sample >= 1.0:
			value = math.MaxInt16
		case sample <= -1.0:
			value = math.MinInt16
		default:
			value = int16(sample * 32768.0)
		}
		binary.LittleEndian.PutUint16(result[2*i:], uint16(value))
	}
	return result
}

// PCM16ToFloat32 is the inverse of Float32ToPCM16 (within 1/32768 tolerance).
func PCM16ToFloat32(byteData []byte) []float32 {
	result := make([]float32, len(byteData)/2)
	for i := range result {
		value := int16(binary.LittleEndian.Uint16(byteData[2*i:]))
		result[i] = float32(value) / 32768.0
	}
	return result
}

// RMS returns the root-mean-square level of 16-bit LE samples, normalized to [0, 1].
// Used for microphone level metering.
func RMS(byteData []byte) float64 {
	sampleCount := len(byteData) / 2
	if sampleCount == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < sampleCount; i++ {
		value := float64(int16(binary.LittleEndian.Uint16(byteData[2*i:]))) / 32768.0
		sumSquares += value * value
	}
	return math.Sqrt(sumSquares / float64(sampleCount))
}

// PCM16Duration computes how long the given 16-bit mono PCM byte data plays for.
func PCM16Duration(byteCount int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteCount / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

func twoByteDataToIntSlice(audioData []byte) []int {
	intData := make([]int, len(audioData)/2)
	for i := 0; i+1 < len(audioData); i += 2 {
		// int16 so negative samples survive the conversion
		value := int(int16(binary.LittleEndian.Uint16(audioData[i : i+2])))
		intData[i/2] = value
	}
	return intData
}
