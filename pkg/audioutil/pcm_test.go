package audioutil

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32PCM16RoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 0.25, -0.25, 0.999, -0.999, 1.0, -1.0}
	decoded := PCM16ToFloat32(Float32ToPCM16(samples))
	require.Len(t, decoded, len(samples))
	for i := range samples {
		assert.InDelta(t, samples[i], decoded[i], 1.0/32768.0, "sample %d", i)
	}
}

func TestFloat32ToPCM16Clamps(t *testing.T) {
	byteData := Float32ToPCM16([]float32{2.0, -2.0})
	assert.Equal(t, int16(math.MaxInt16), int16(binary.LittleEndian.Uint16(byteData[0:])))
	assert.Equal(t, int16(math.MinInt16), int16(binary.LittleEndian.Uint16(byteData[2:])))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))

	silence := Float32ToPCM16(make([]float32, 160))
	assert.Zero(t, RMS(silence))

	halfAmplitude := make([]float32, 160)
	for i := range halfAmplitude {
		halfAmplitude[i] = 0.5
	}
	assert.InDelta(t, 0.5, RMS(Float32ToPCM16(halfAmplitude)), 1e-3)
}

func TestPCM16Duration(t *testing.T) {
	// One second of 16kHz mono S16 is 32000 bytes.
	assert.Equal(t, time.Second, PCM16Duration(32000, 16000))
	assert.Equal(t, 500*time.Millisecond, PCM16Duration(16000, 16000))
	assert.Zero(t, PCM16Duration(32000, 0))
}

func TestMulawRoundTrip(t *testing.T) {
	// Mu-law is lossy; a decode of an encode must stay within the quantization step
	// of the original, which for loud samples can be a few hundred units.
	for _, sample := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		pcm := make([]byte, 2)
		binary.LittleEndian.PutUint16(pcm, uint16(sample))
		decoded := DecodeMulawToPCM16(EncodePCM16ToMulaw(pcm))
		got := int16(binary.LittleEndian.Uint16(decoded))
		assert.InDelta(t, float64(sample), float64(got), 1024, "sample %d", sample)
	}
}

func TestDecodeMulawKnownSilence(t *testing.T) {
	// 0xFF is mu-law digital silence.
	decoded := DecodeMulawToPCM16([]byte{0xFF})
	require.Len(t, decoded, 2)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(decoded)))
}

func TestUpsamplePCM16Double(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(300)))

	upsampled := UpsamplePCM16Double(pcm)
	require.Len(t, upsampled, 8)
	assert.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(upsampled[0:])))
	assert.Equal(t, int16(200), int16(binary.LittleEndian.Uint16(upsampled[2:])), "interpolated midpoint")
	assert.Equal(t, int16(300), int16(binary.LittleEndian.Uint16(upsampled[4:])))
	assert.Equal(t, int16(300), int16(binary.LittleEndian.Uint16(upsampled[6:])), "last sample holds")

	assert.Nil(t, UpsamplePCM16Double(nil))
}

func TestConvertPCM16ToWav(t *testing.T) {
	byteData := Float32ToPCM16(make([]float32, 1600))
	wavData, err := ConvertPCM16ToWav(byteData, 16000, 1)
	require.NoError(t, err)
	require.Greater(t, len(wavData), 44, "wav header plus data")
	assert.Equal(t, "RIFF", string(wavData[0:4]))
	assert.Equal(t, "WAVE", string(wavData[8:12]))

	empty, err := ConvertPCM16ToWav(nil, 16000, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
