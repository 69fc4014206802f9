package portforward

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Frame flags
const (
	FlagData byte = 0x00
	FlagFin  byte = 0x01
)

const (
	// HeaderSize is the size of streamId, flags and length
	HeaderSize = 4
	// MaxPayload is the largest payload a frame can carry
	MaxPayload = 0xFFFF
	// MaxPorts is the number of ports one session can forward; stream ids
	// are a single byte and every port uses two.
	MaxPorts = 128
	// PortDescriptorSize is the size of one port descriptor
	PortDescriptorSize = 4
)

// initFrame identifies the protocol (0x80) and its version (0x01)
var initFrame = [2]byte{0x80, 0x01}

// InitFrame returns the two-byte frame that opens every session
func InitFrame() []byte {
	return initFrame[:]
}

// Frame is one unit of the multiplexed wire protocol
type Frame struct {
	StreamID byte
	Flags    byte
	Payload  []byte
}

// DataFrame returns a data frame for stream
func DataFrame(stream byte, payload []byte) Frame {
	return Frame{StreamID: stream, Flags: FlagData, Payload: payload}
}

// FinFrame returns a close frame for stream
func FinFrame(stream byte) Frame {
	return Frame{StreamID: stream, Flags: FlagFin}
}

// Validate reports a ProtocolError for frames a peer must never send
func (f Frame) Validate() error {
	switch f.Flags {
	case FlagData:
	case FlagFin:
		if len(f.Payload) != 0 {
			return fmt.Errorf("%w: close frame on stream %d carries %d bytes", types.ErrProtocol, f.StreamID, len(f.Payload))
		}
	default:
		return fmt.Errorf("%w: unknown flags 0x%02x on stream %d", types.ErrProtocol, f.Flags, f.StreamID)
	}
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", types.ErrProtocol, len(f.Payload), MaxPayload)
	}
	return nil
}

// Encode returns the wire form of f:
//
//	streamId:u8 | flags:u8 | length:u16 BE | payload
func (f Frame) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.StreamID
	buf[1] = f.Flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// DataStreamID returns the data stream id of the port at index
func DataStreamID(index int) byte {
	return byte(2 * index)
}

// ErrorStreamID returns the error stream id of the port at index
func ErrorStreamID(index int) byte {
	return byte(2*index + 1)
}

// StreamPort maps a stream id back to its port index and stream role
func StreamPort(stream byte) (index int, isError bool) {
	return int(stream) / 2, stream%2 == 1
}

// PortMapping is one requested forward: the client's local port and the
// container port it reaches.
type PortMapping struct {
	Local  uint16
	Remote uint16
}

// EncodePortDescriptor returns the 4-byte descriptor for one port
func EncodePortDescriptor(local, remote uint16) []byte {
	buf := make([]byte, PortDescriptorSize)
	binary.BigEndian.PutUint16(buf[0:2], local)
	binary.BigEndian.PutUint16(buf[2:4], remote)
	return buf
}

// DecodePortDescriptor parses a port descriptor
func DecodePortDescriptor(b []byte) (PortMapping, error) {
	if len(b) != PortDescriptorSize {
		return PortMapping{}, fmt.Errorf("%w: port descriptor is %d bytes, want %d", types.ErrProtocol, len(b), PortDescriptorSize)
	}
	return PortMapping{
		Local:  binary.BigEndian.Uint16(b[0:2]),
		Remote: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Decoder reassembles frames from a byte stream whose message boundaries are
// unrelated to frame boundaries. A frame may span several writes and one
// write may carry several frames.
type Decoder struct {
	buf []byte
}

// Write appends received bytes
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. The returned payload is owned by the caller.
func (d *Decoder) Next() (f Frame, ok bool) {
	if len(d.buf) < HeaderSize {
		return Frame{}, false
	}
	n := int(binary.BigEndian.Uint16(d.buf[2:4]))
	if len(d.buf) < HeaderSize+n {
		return Frame{}, false
	}

	f = Frame{StreamID: d.buf[0], Flags: d.buf[1]}
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, d.buf[HeaderSize:HeaderSize+n])
	}

	rest := len(d.buf) - HeaderSize - n
	copy(d.buf, d.buf[HeaderSize+n:])
	d.buf = d.buf[:rest]
	return f, true
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
