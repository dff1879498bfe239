package srt

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "studio", want: "studio"},
		{name: "leading slash", streamID: "/studio", want: "studio"},
		{name: "live prefix", streamID: "live/studio", want: "studio"},
		{name: "slash and live prefix", streamID: "/live/studio", want: "studio"},
		{name: "empty", streamID: "", want: ""},
		{name: "just live/", streamID: "live/", want: ""},
		{name: "nested path preserved", streamID: "room/left", want: "room/left"},
		{name: "live in name preserved", streamID: "liveroom", want: "liveroom"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := streamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("streamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	open := NewSource(":0", "", nil)
	if !open.admit("anything") {
		t.Error("source without stream ID should admit any publisher")
	}

	keyed := NewSource(":0", "live/studio", nil)
	if keyed.admit("other") {
		t.Error("mismatched stream ID admitted")
	}
	if !keyed.admit("/live/studio") {
		t.Error("matching stream ID rejected after a mismatch")
	}
}

func TestAdmitSinglePublisher(t *testing.T) {
	t.Parallel()

	s := NewSource(":0", "", nil)
	if !s.admit("a") {
		t.Fatal("first publisher rejected")
	}
	// A second handshake before the first reaches Accept.
	if s.admit("b") {
		t.Error("second publisher admitted while the first is pending")
	}

	s.claim()
	if s.admit("b") {
		t.Error("second publisher admitted while the first is connected")
	}

	s.release()
	if !s.admit("b") {
		t.Error("publisher rejected after the slot was released")
	}
}

func TestAdmitExpiresStrandedHandshake(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewSource(":0", "", nil)
	s.clock = clock

	if !s.admit("a") {
		t.Fatal("first publisher rejected")
	}
	clock.Advance(admitTimeout - time.Millisecond)
	if s.admit("b") {
		t.Error("slot reclaimed before the handshake timed out")
	}

	// The first handshake never reached Accept.
	clock.Advance(time.Millisecond)
	if !s.admit("b") {
		t.Error("stranded handshake still holds the slot")
	}

	// A connected publisher is never timed out.
	s.claim()
	clock.Advance(time.Hour)
	if s.admit("c") {
		t.Error("publisher admitted while one is connected")
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	t.Parallel()

	s := NewSource(":0", "", nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Open(t.Context()); err == nil {
		t.Fatal("Open after Close should fail")
	}
}
