package audio

// G.711 μ-law companding.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every μ-law byte to its linear 16-bit value.
var mulawDecodeTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = mulawToLinear(byte(i))
	}
	return t
}()

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	v := (int(mant) << 3) + mulawBias
	v <<= exp
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

func linearToMulaw(s int16) byte {
	v := int(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := byte(7)
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

// MulawToPCM16 decodes μ-law bytes into little-endian 16-bit PCM.
func MulawToPCM16(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw encodes little-endian 16-bit PCM into μ-law bytes. A trailing
// odd byte is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = linearToMulaw(s)
	}
	return out
}
