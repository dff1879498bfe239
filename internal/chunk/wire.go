package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed byte size of the wire header.
//
// Layout, little-endian:
//
//	0  int64  seconds
//	8  int32  microseconds
//	12 uint32 payload length
const HeaderSize = 16

// MaxPayloadLength bounds the payload a decoder will allocate for.
const MaxPayloadLength = 16 << 20

// Header precedes every payload on the wire. There is no other framing:
// a reader learns how many payload bytes follow only from PayloadLength.
type Header struct {
	Seconds       int64
	Microseconds  int32
	PayloadLength uint32
}

// Timestamp returns the capture time carried by the header.
func (h Header) Timestamp() Timestamp {
	return Timestamp{Seconds: h.Seconds, Microseconds: h.Microseconds}
}

// Put encodes h into b, which must be at least HeaderSize bytes.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Seconds))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Microseconds))
	binary.LittleEndian.PutUint32(b[12:16], h.PayloadLength)
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	var buf [HeaderSize]byte
	h.Put(buf[:])
	return append(b, buf[:]...), nil
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), HeaderSize)
	}
	h := Header{
		Seconds:       int64(binary.LittleEndian.Uint64(b[0:8])),
		Microseconds:  int32(binary.LittleEndian.Uint32(b[8:12])),
		PayloadLength: binary.LittleEndian.Uint32(b[12:16]),
	}
	if h.Microseconds < 0 || h.Microseconds > 999_999 {
		return Header{}, fmt.Errorf("%w: microseconds %d", ErrInvalidHeader, h.Microseconds)
	}
	if h.PayloadLength > MaxPayloadLength {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLength)
	}
	return h, nil
}

// Frame is one decoded header and payload pair.
type Frame struct {
	Header  Header
	Payload []byte
}

// Decoder reads consecutive frames from a byte stream.
type Decoder struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads the next frame. It returns io.EOF only when the stream ends
// cleanly on a frame boundary.
func (d *Decoder) Next() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated header", ErrInvalidHeader)
		}
		return Frame{}, err
	}
	h, err := ParseHeader(d.hdr[:])
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: %v", ErrShortPayloadRead, err)
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}
