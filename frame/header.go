// Package frame implements the part of the CQL v4 framing used by the connection layer.
//
// Statements travel as plain strings and results are returned as raw bodies: typed values
// are the business of a codec layer living above this package.
//
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// ProtoVersion4 is the only protocol version spoken by the driver.
	ProtoVersion4 byte = 0x04

	// HeaderSize is the size of a v4 frame header.
	HeaderSize = 9

	// MaxBodySize limits the body of a single frame (256MB).
	MaxBodySize = 256 << 20

	responseBit = 0x80
)

// Header flags.
const (
	FlagCompression   byte = 0x01
	FlagTracing       byte = 0x02
	FlagCustomPayload byte = 0x04
	FlagWarning       byte = 0x08
)

// Opcode identifies the message type of a frame.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpResult        Opcode = 0x08
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpEvent         Opcode = 0x0C
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

// EventStream is the stream id the server uses for pushed events.
const EventStream int16 = -1

// Header is a decoded frame header.
type Header struct {
	Version byte
	Flags   byte
	Stream  int16
	Op      Opcode
	Length  int
}

// IsResponse reports whether the direction bit of the version byte is set.
func (h Header) IsResponse() bool {
	return h.Version&responseBit != 0
}

// ProtoVersion returns the version without the direction bit.
func (h Header) ProtoVersion() byte {
	return h.Version &^ responseBit
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.Version, h.Flags)
	dst = binary.BigEndian.AppendUint16(dst, uint16(h.Stream))
	dst = append(dst, byte(h.Op))
	return binary.BigEndian.AppendUint32(dst, uint32(h.Length))
}

// ReadHeader reads one header from r. buf should be at least HeaderSize long.
func ReadHeader(r io.Reader, buf []byte) (Header, error) {
	if _, err := io.ReadFull(r, buf[:HeaderSize]); err != nil {
		return Header{}, err
	}

	h := Header{
		Version: buf[0],
		Flags:   buf[1],
		Stream:  int16(binary.BigEndian.Uint16(buf[2:4])),
		Op:      Opcode(buf[4]),
		Length:  int(int32(binary.BigEndian.Uint32(buf[5:9]))),
	}

	if h.Length < 0 || h.Length > MaxBodySize {
		return h, errors.Errorf("frame body length %d is out of range", h.Length)
	}

	return h, nil
}
