package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/zsiec/pcmcast/internal/chunk"
)

func TestWriteChunkSize(t *testing.T) {
	tests := []struct {
		name   string
		format chunk.Format
		want   int
	}{
		{"cd stereo", chunk.Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}, 1316},
		{"24-bit stereo", chunk.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 24}, 1314},
		{"32-bit 8ch", chunk.Format{SampleRate: 48000, Channels: 8, BitsPerSample: 32}, 1312},
		{"frame larger than payload", chunk.Format{SampleRate: 48000, Channels: 400, BitsPerSample: 32}, 1600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeChunkSize(tt.format)
			if got != tt.want {
				t.Errorf("writeChunkSize(%v) = %d, want %d", tt.format, got, tt.want)
			}
			if got%tt.format.FrameSize() != 0 {
				t.Errorf("chunk size %d is not a whole number of frames", got)
			}
		})
	}
}

func TestTone(t *testing.T) {
	f := chunk.Format{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	data := tone(f, 1000, 10*time.Millisecond)

	if len(data) != 80*4 {
		t.Fatalf("len = %d, want %d", len(data), 80*4)
	}
	// 1 kHz at 8 kHz: sample 2 is the positive peak.
	left := int16(binary.LittleEndian.Uint16(data[2*4:]))
	right := int16(binary.LittleEndian.Uint16(data[2*4+2:]))
	if left != 16384 || right != left {
		t.Errorf("peak samples = %d/%d, want 16384 on both channels", left, right)
	}
	if first := int16(binary.LittleEndian.Uint16(data)); first != 0 {
		t.Errorf("first sample = %d, want 0", first)
	}
}
