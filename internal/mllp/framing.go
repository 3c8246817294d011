// Package mllp implements the Minimal Lower Layer Protocol used to carry HL7
// messages over TCP.
package mllp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// StartBlock is the MLLP start-of-message byte (VT).
	StartBlock = 0x0B
	// EndBlock is the MLLP end-of-message byte (FS).
	EndBlock = 0x1C
	// CarriageReturn is the trailing CR after the end block.
	CarriageReturn = 0x0D

	// MaxMessageSize is the largest frame accepted by ReadFrame (1 MB).
	MaxMessageSize = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxMessageSize.
	ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum size")
	// ErrMalformedFrame is returned when bytes outside a frame are read or
	// the end block is not followed by a carriage return.
	ErrMalformedFrame = errors.New("mllp: malformed frame")
)

// Frame wraps an HL7 payload in MLLP framing:
//
//	<0x0B> + payload + <0x1C><0x0D>
func Frame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, payload...)
	frame = append(frame, EndBlock, CarriageReturn)
	return frame
}

// Unframe extracts the first complete frame from data. It returns the
// payload, the bytes following the frame, and whether a frame was found.
func Unframe(data []byte) (payload, rest []byte, found bool) {
	start := bytes.IndexByte(data, StartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{EndBlock, CarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// ReadFrame reads one frame from r and returns its payload. Whitespace
// between frames is skipped. io.EOF is returned if r ends before a frame
// starts; io.ErrUnexpectedEOF if it ends inside one.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
		if b != '\r' && b != '\n' && b != ' ' && b != '\t' {
			return nil, fmt.Errorf("%w: unexpected byte 0x%02X before start block", ErrMalformedFrame, b)
		}
	}

	var payload []byte
	for {
		chunk, err := r.ReadSlice(EndBlock)
		payload = append(payload, chunk...)
		if len(payload) > MaxMessageSize {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}

		next, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if next != CarriageReturn {
			return nil, fmt.Errorf("%w: end block followed by 0x%02X", ErrMalformedFrame, next)
		}
		return payload[:len(payload)-1], nil
	}
}
