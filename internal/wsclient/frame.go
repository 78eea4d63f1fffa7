package wsclient

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Opcode is an RFC 6455 frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

func (o Opcode) control() bool { return o&0x8 != 0 }

const (
	maxControlPayload = 125
	sendChunk         = 1024
	maxHeaderLen      = 14
)

// closeNormal is the CLOSE payload for status 1000.
var closeNormal = []byte{0x03, 0xE8}

// appendHeader encodes a FIN frame header with the MASK bit and key set.
// Lengths above 32 bits are rejected.
func appendHeader(dst []byte, op Opcode, length int, key [4]byte) ([]byte, error) {
	if length < 0 || uint64(length) > math.MaxUint32 {
		return dst, fmt.Errorf("payload length %d exceeds 32-bit ceiling", length)
	}
	dst = append(dst, 0x80|byte(op)&0x0F)
	switch {
	case length < 126:
		dst = append(dst, 0x80|byte(length))
	case length < 65536:
		dst = append(dst, 0x80|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, 0x80|127, 0, 0, 0, 0)
		dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	}
	return append(dst, key[:]...), nil
}

// MaskBytes XORs src with key into dst, starting at key position offset%4.
// Applying it twice with the same key and offset restores the input.
func MaskBytes(dst, src []byte, key [4]byte, offset int) {
	for i := range src {
		dst[i] = src[i] ^ key[(offset+i)&3]
	}
}

// ClockMask derives a masking key from the wall clock. It is not
// cryptographically random.
func ClockMask() [4]byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(time.Now().UnixNano()))
	return key
}

type frameHeader struct {
	fin    bool
	op     Opcode
	masked bool
	key    [4]byte
	length int
}

// headerSize returns the total header length implied by the first two bytes.
func headerSize(b0, b1 byte) int {
	n := 2
	switch b1 & 0x7F {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if b1&0x80 != 0 {
		n += 4
	}
	return n
}

// parseHeader decodes a complete header. For 64-bit lengths the high 32
// bits are ignored.
func parseHeader(b []byte) frameHeader {
	h := frameHeader{
		fin:    b[0]&0x80 != 0,
		op:     Opcode(b[0] & 0x0F),
		masked: b[1]&0x80 != 0,
	}
	pos := 2
	switch l := b[1] & 0x7F; l {
	case 126:
		h.length = int(binary.BigEndian.Uint16(b[2:]))
		pos += 2
	case 127:
		h.length = int(binary.BigEndian.Uint32(b[6:]))
		pos += 8
	default:
		h.length = int(l)
	}
	if h.masked {
		copy(h.key[:], b[pos:pos+4])
	}
	return h
}
