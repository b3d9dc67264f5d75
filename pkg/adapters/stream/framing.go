package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrShortFrame means the stream ended or stalled in the middle of a frame.
	// The connection can no longer be resynchronised.
	ErrShortFrame = errors.New("short frame")

	// ErrFrameTooLarge means the announced frame does not fit the receive buffer.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Framer delimits logical messages on a byte stream.
type Framer interface {
	Name() string
	WriteFrame(w io.Writer, payload []byte) error
	// ReadFrame reads one message into buf. Errors that occur after part of a
	// frame was consumed wrap ErrShortFrame.
	ReadFrame(r io.Reader, buf []byte) (int, error)
}

// LengthPrefix frames every message with a 4-byte big-endian length.
// One ReadFrame returns exactly one message however the kernel splits or
// coalesces the underlying reads.
type LengthPrefix struct{}

func (LengthPrefix) Name() string { return "length-prefix" }

func (LengthPrefix) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

func (LengthPrefix) ReadFrame(r io.Reader, buf []byte) (int, error) {
	var hdr [4]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 {
			return 0, fmt.Errorf("%w: header: %w", ErrShortFrame, err)
		}
		return 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: %d bytes announced, buffer holds %d", ErrFrameTooLarge, size, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, fmt.Errorf("%w: payload: %w", ErrShortFrame, err)
	}
	return int(size), nil
}

// Legacy sends raw bytes and treats each read as one message, the way older
// peers do. A message must fit a single read and both sides must agree on the
// bound out of band; messages larger than the receive buffer are truncated.
type Legacy struct{}

func (Legacy) Name() string { return "legacy" }

func (Legacy) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("legacy framing cannot carry an empty message")
	}
	_, err := w.Write(payload)
	return err
}

func (Legacy) ReadFrame(r io.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// ParseFramer maps a configuration name to a Framer.
func ParseFramer(name string) (Framer, error) {
	switch name {
	case "", "length-prefix", "length":
		return LengthPrefix{}, nil
	case "legacy":
		return Legacy{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want length-prefix or legacy)", name)
	}
}
