package pcm

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawDecode expands G.711 μ-law bytes into linear samples.
func MulawDecode(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, u := range in {
		u = ^u
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		out[i] = int16(sample)
	}
	return out
}

// MulawEncode compresses linear samples into G.711 μ-law bytes.
func MulawEncode(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		sample := int(s)
		sign := 0
		if sample < 0 {
			sign = 0x80
			sample = -sample
		}
		if sample > mulawClip {
			sample = mulawClip
		}
		sample += mulawBias
		exponent := 7
		for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
			exponent--
		}
		mantissa := (sample >> (exponent + 3)) & 0x0F
		out[i] = ^byte(sign | exponent<<4 | mantissa)
	}
	return out
}
