package audio

import "encoding/binary"

// Resample8kTo16k doubles the sample rate of PCM16 audio with linear interpolation
func Resample8kTo16k(pcm8k []byte) []byte {
	n := len(pcm8k) / 2
	if n == 0 {
		return nil
	}
	le := binary.LittleEndian
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		cur := int16(le.Uint16(pcm8k[i*2:]))
		next := cur
		if i < n-1 {
			next = int16(le.Uint16(pcm8k[(i+1)*2:]))
		}
		le.PutUint16(out[i*4:], uint16(cur))
		le.PutUint16(out[i*4+2:], uint16(int16((int32(cur)+int32(next))/2)))
	}
	return out
}

// Resample16kTo8k halves the sample rate of PCM16 audio, averaging sample pairs
func Resample16kTo8k(pcm16k []byte) []byte {
	n := len(pcm16k) / 4
	if n == 0 {
		return nil
	}
	le := binary.LittleEndian
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		a := int32(int16(le.Uint16(pcm16k[i*4:])))
		b := int32(int16(le.Uint16(pcm16k[i*4+2:])))
		le.PutUint16(out[i*2:], uint16(int16((a+b)/2)))
	}
	return out
}
