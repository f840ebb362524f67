// Package wsframe decodes, unmasks and re-serializes WebSocket wire frames
// (RFC 6455 section 5) from a byte stream that may arrive split at arbitrary
// boundaries.
package wsframe

import "encoding/binary"

// Direction identifies which peer sent a chunk or frame.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client-to-server"
	}
	return "server-to-client"
}

// Opcode is the 4-bit frame type. Values 3-7 and 11-15 are reserved.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether the opcode denotes a control frame (bit 3 set).
// Control frames bypass reassembly and compression.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// Frame is one wire-level WebSocket frame after header decoding. Output
// frames are always unmasked; the mask key is transient and never retained.
type Frame struct {
	Direction Direction
	Fin       bool
	Rsv1      bool
	Opcode    Opcode
	Payload   []byte
}

// DecodeResult is the outcome of one decode attempt.
type DecodeResult int

const (
	// DecodeFrame means a complete frame was extracted.
	DecodeFrame DecodeResult = iota
	// DecodeNeedMore means the buffer does not yet hold a complete frame.
	DecodeNeedMore
	// DecodeViolation means the frame header can never be satisfied.
	DecodeViolation
)

const (
	finBit    = 0x80
	rsv1Bit   = 0x40
	maskBit   = 0x80
	len16Code = 126
	len64Code = 127
)

// DecodeNext attempts to extract one frame from the front of buf. On success
// it returns the frame and the number of bytes consumed. Length fields are
// not bounds-checked beyond what the wire format forbids: an over-large
// declared length simply reports DecodeNeedMore, since the input is expected
// to be a capture of already-valid traffic. The single exception is a 64-bit
// length with the reserved top bit set, which no amount of buffering can
// satisfy and is reported as DecodeViolation.
func DecodeNext(dir Direction, buf []byte) (Frame, int, DecodeResult) {
	if len(buf) < 2 {
		return Frame{}, 0, DecodeNeedMore
	}

	headerLen := 2
	payloadLen := uint64(buf[1] & 0x7F)
	switch payloadLen {
	case len16Code:
		headerLen = 4
		if len(buf) < headerLen {
			return Frame{}, 0, DecodeNeedMore
		}
		payloadLen = uint64(binary.BigEndian.Uint16(buf[2:4]))
	case len64Code:
		headerLen = 10
		if len(buf) < headerLen {
			return Frame{}, 0, DecodeNeedMore
		}
		payloadLen = binary.BigEndian.Uint64(buf[2:10])
		if payloadLen&(1<<63) != 0 {
			return Frame{}, 0, DecodeViolation
		}
	}

	masked := buf[1]&maskBit != 0
	dataOff := uint64(headerLen)
	if masked {
		dataOff += 4
	}
	total := dataOff + payloadLen
	if uint64(len(buf)) < total {
		return Frame{}, 0, DecodeNeedMore
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[dataOff:total])
	if masked {
		var key [4]byte
		copy(key[:], buf[headerLen:dataOff])
		unmask(payload, key)
	}

	f := Frame{
		Direction: dir,
		Fin:       buf[0]&finBit != 0,
		Rsv1:      buf[0]&rsv1Bit != 0,
		Opcode:    Opcode(buf[0] & 0x0F),
		Payload:   payload,
	}
	return f, int(total), DecodeFrame
}

// unmask XORs payload bytes with key[i mod 4] in place.
func unmask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}

// Append re-serializes f and appends the wire bytes to dst. The mask bit is
// always clear and the declared length always matches the payload.
func Append(dst []byte, f Frame) []byte {
	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= finBit
	}
	if f.Rsv1 {
		b0 |= rsv1Bit
	}
	dst = append(dst, b0)

	n := len(f.Payload)
	switch {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, len16Code, byte(n>>8), byte(n))
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		dst = append(dst, len64Code)
		dst = append(dst, ext[:]...)
	}
	return append(dst, f.Payload...)
}
