// Package chunk defines the timestamped PCM chunk that flows from the
// production loop to every connected client, and its length-framed wire
// encoding.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Sentinel errors for chunk construction and decoding.
var (
	ErrAlreadyStamped   = errors.New("chunk: already stamped")
	ErrInexactDuration  = errors.New("chunk: duration does not map to a whole number of frames")
	ErrInvalidFormat    = errors.New("chunk: invalid format")
	ErrInvalidHeader    = errors.New("chunk: invalid header")
	ErrPayloadTooLarge  = errors.New("chunk: payload too large")
	ErrShortPayloadRead = errors.New("chunk: short payload")
)

// Format fixes the PCM layout of every chunk payload. Clients agree on it
// out of band; it is not carried on the wire.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Validate reports whether f describes interleaved integer PCM.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	case f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0:
		return fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	return nil
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// PayloadSize returns the number of payload bytes holding d of audio.
// d must cover a whole number of frames at the sample rate, and the
// result may not exceed MaxPayloadLength.
func (f Format) PayloadSize(d time.Duration) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInexactDuration, d)
	}
	if int64(d) > math.MaxInt64/int64(f.SampleRate) {
		return 0, fmt.Errorf("%w: %v at %d Hz", ErrPayloadTooLarge, d, f.SampleRate)
	}
	// frames = d * rate / 1s, computed in integer nanoseconds.
	num := int64(d) * int64(f.SampleRate)
	if num%int64(time.Second) != 0 {
		return 0, fmt.Errorf("%w: %v at %d Hz", ErrInexactDuration, d, f.SampleRate)
	}
	frames := num / int64(time.Second)
	if frames > MaxPayloadLength/int64(f.FrameSize()) {
		return 0, fmt.Errorf("%w: %d frames of %s exceed %d bytes", ErrPayloadTooLarge, frames, f, MaxPayloadLength)
	}
	return int(frames) * f.FrameSize(), nil
}

func (f Format) String() string {
	return fmt.Sprintf("%d:%d:%d", f.SampleRate, f.BitsPerSample, f.Channels)
}

// Timestamp is the capture time of the first sample in a chunk.
type Timestamp struct {
	Seconds      int64
	Microseconds int32
}

// TimestampOf truncates t to microsecond precision.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{
		Seconds:      t.Unix(),
		Microseconds: int32(t.Nanosecond() / 1000),
	}
}

// Time converts ts back to a wall-clock time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Microseconds)*1000)
}

// Chunk is a fixed-duration block of interleaved PCM stamped with its
// capture time. The producer fills Payload and calls Stamp exactly once;
// from then on the chunk is shared read-only by every session it is
// handed to.
type Chunk struct {
	format   Format
	duration time.Duration
	ts       Timestamp
	stamped  bool
	payload  []byte
}

// New allocates a chunk holding d of audio in format f.
func New(f Format, d time.Duration) (*Chunk, error) {
	size, err := f.PayloadSize(d)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		format:   f,
		duration: d,
		payload:  make([]byte, size),
	}, nil
}

// Payload returns the chunk's PCM buffer. Callers other than the producer
// must treat it as read-only.
func (c *Chunk) Payload() []byte { return c.payload }

// Format returns the PCM layout of the payload.
func (c *Chunk) Format() Format { return c.format }

// Duration returns the amount of audio the chunk holds.
func (c *Chunk) Duration() time.Duration { return c.duration }

// Timestamp returns the capture time set by Stamp.
func (c *Chunk) Timestamp() Timestamp { return c.ts }

// Stamp sets the capture time. It may only be called once.
func (c *Chunk) Stamp(ts Timestamp) error {
	if c.stamped {
		return ErrAlreadyStamped
	}
	c.ts = ts
	c.stamped = true
	return nil
}

// Header returns the wire header describing this chunk.
func (c *Chunk) Header() Header {
	return Header{
		Seconds:       c.ts.Seconds,
		Microseconds:  c.ts.Microseconds,
		PayloadLength: uint32(len(c.payload)),
	}
}

// WriteTo writes the header and then the payload to w, resuming partial
// writes until every byte is sent.
func (c *Chunk) WriteTo(w io.Writer) (int64, error) {
	var hdr [HeaderSize]byte
	c.Header().Put(hdr[:])

	n, err := writeFull(w, hdr[:])
	total := int64(n)
	if err != nil {
		return total, fmt.Errorf("write header: %w", err)
	}
	n, err = writeFull(w, c.payload)
	total += int64(n)
	if err != nil {
		return total, fmt.Errorf("write payload: %w", err)
	}
	return total, nil
}

// writeFull loops until p is written. A short write without an error is
// resumed; a write that makes no progress is reported as io.ErrShortWrite.
func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
