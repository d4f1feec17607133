package audioutil

import "encoding/binary"

// G.711 mu-law codec, the compression telephony media streams use.
// https://en.wikipedia.org/wiki/%CE%9C-law_algorithm

const mulawBias = 0x84
const mulawClip = 32635

// DecodeMulawToPCM16 expands one-byte mu-law samples into S16LE bytes.
func DecodeMulawToPCM16(mulawData []byte) []byte {
	result := make([]byte, 2*len(mulawData))
	for i, b := range mulawData {
		binary.LittleEndian.PutUint16(result[2*i:], uint16(decodeMulawSample(b)))
	}
	return result
}

// EncodePCM16ToMulaw is the inverse, used when answering a telephony stream.
func EncodePCM16ToMulaw(byteData []byte) []byte {
	result := make([]byte, len(byteData)/2)
	for i := range result {
		sample := int16(binary.LittleEndian.Uint16(byteData[2*i:]))
		result[i] = encodeMulawSample(sample)
	}
	return result
}

// UpsamplePCM16Double doubles the sample rate of S16LE mono audio by linear
// interpolation, e.g. 8kHz telephony input up to the 16kHz the recognizers want.
func UpsamplePCM16Double(byteData []byte) []byte {
	sampleCount := len(byteData) / 2
	if sampleCount == 0 {
		return nil
	}
	result := make([]byte, 4*sampleCount)
	for i := 0; i < sampleCount; i++ {
		current := int16(binary.LittleEndian.Uint16(byteData[2*i:]))
		next := current
		if i+1 < sampleCount {
			next = int16(binary.LittleEndian.Uint16(byteData[2*(i+1):]))
		}
		binary.LittleEndian.PutUint16(result[4*i:], uint16(current))
		binary.LittleEndian.PutUint16(result[4*i+2:], uint16((int32(current)+int32(next))/2))
	}
	return result
}

func decodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return -sample
	}
	return sample
}

func encodeMulawSample(sample int16) byte {
	var sign byte
	value := int32(sample)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > mulawClip {
		value = mulawClip
	}
	value += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (value&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((value >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}
