package audio

import "encoding/binary"

// DecodeMuLaw converts G.711 μ-law samples to 16-bit little-endian PCM
func DecodeMuLaw(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}
	out := make([]byte, len(muLaw)*2)
	for i, b := range muLaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawSample(b)))
	}
	return out
}

func muLawSample(b byte) int16 {
	const bias = 0x84
	u := ^b
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int32(mantissa) << 3) + bias) << exponent
	magnitude -= bias
	if u&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
