package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode encodes pcm into out, which must be at least len(pcm) long.
func MulawEncode(pcm []int16, out []byte) {
	for i, s := range pcm {
		out[i] = encodeMulaw(s)
	}
}

// MulawDecode decodes in into out, which must be at least len(in) long.
func MulawDecode(in []byte, out []int16) {
	for i, b := range in {
		out[i] = decodeMulaw(b)
	}
}

func encodeMulaw(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := (v >> (exp + 3)) & 0x0f
	return ^byte(sign | exp<<4 | mantissa)
}

func decodeMulaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := int(b>>4) & 0x07
	mantissa := int(b & 0x0f)
	v := ((mantissa << 3) + mulawBias) << exp
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}
