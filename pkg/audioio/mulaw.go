// Package audioio provides sample-level audio conversions for the voice
// pipeline: G.711 mulaw encode/decode for the telephony leg and simple
// resampling for synthesis providers that return linear PCM.
package audioio

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMulawSample converts one PCM16 sample to a G.711 mulaw codeword.
func EncodeMulawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(v>>(exp+3)) & 0x0F

	return ^(sign | exp<<4 | mantissa)
}

// DecodeMulawSample converts one G.711 mulaw codeword to a PCM16 sample.
func DecodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := ((int32(mantissa) << 3) + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// EncodeMulaw converts PCM16 samples to mulaw bytes.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// DecodeMulaw converts mulaw bytes to PCM16 samples.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = DecodeMulawSample(b)
	}
	return out
}

// PCMToMulaw converts raw PCM16 little-endian bytes at fromRate into
// 8kHz mulaw bytes suitable for the telephony stream.
func PCMToMulaw(data []byte, fromRate int) []byte {
	samples := BytesToSamples(data)
	if fromRate != 8000 {
		samples = Resample(samples, fromRate, 8000)
	}
	return EncodeMulaw(samples)
}

// MulawToPCM converts 8kHz mulaw bytes into raw PCM16 little-endian
// bytes at toRate.
func MulawToPCM(data []byte, toRate int) []byte {
	samples := DecodeMulaw(data)
	if toRate != 8000 {
		samples = Resample(samples, 8000, toRate)
	}
	return SamplesToBytes(samples)
}
