package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os/exec"
	"time"
)

// Stream format used end to end: 16-bit little-endian mono PCM at 16kHz
const (
	SampleRate = 16000
	// FrameBytes is one 20ms frame
	FrameBytes = 640
)

// Duration returns the playback length of PCM16 mono audio at rate
func Duration(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		rate = SampleRate
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)
}

// DecodeToPCM16k converts compressed audio (mp3, ogg, wav) to PCM16 16kHz mono
func DecodeToPCM16k(ctx context.Context, encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("no audio to convert")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not available - audio conversion requires ffmpeg")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", "16000",
		"-ac", "1",
		"-",
	)
	cmd.Stdin = bytes.NewReader(encoded)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w", err)
	}
	return out.Bytes(), nil
}

// Chunk splits PCM into chunks of size bytes. The last chunk may be shorter.
func Chunk(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = FrameBytes
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for i := 0; i < len(pcm); i += size {
		end := i + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[i:end])
	}
	return chunks
}

// EncodeBase64 encodes a PCM chunk for the voicebot JSON protocol
func EncodeBase64(chunk []byte) string {
	return base64.StdEncoding.EncodeToString(chunk)
}

// DecodeBase64 decodes a media payload from the voicebot JSON protocol
func DecodeBase64(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}

// WAV wraps PCM16 mono audio in a RIFF header
func WAV(pcm []byte, rate int) []byte {
	if rate <= 0 {
		rate = SampleRate
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))     // fmt chunk size
	_ = binary.Write(&buf, le, uint16(1))      // PCM
	_ = binary.Write(&buf, le, uint16(1))      // mono
	_ = binary.Write(&buf, le, uint32(rate))   // sample rate
	_ = binary.Write(&buf, le, uint32(rate*2)) // byte rate
	_ = binary.Write(&buf, le, uint16(2))      // block align
	_ = binary.Write(&buf, le, uint16(16))     // bits per sample
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
