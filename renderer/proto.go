// Package renderer supervises the sandboxed GPU translation worker and
// speaks its length-prefixed RPC protocol over a Unix socket.
package renderer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies an RPC request.
type MessageType uint8

const (
	// MsgInit is the post-connect handshake; the worker replies OK once
	// its backend and shared-memory channel are ready.
	MsgInit MessageType = 0x01
	// MsgProcessCommands carries an opaque guest command buffer.
	MsgProcessCommands MessageType = 0x02
	// MsgGetFrame is reserved; frames travel through shared memory.
	MsgGetFrame MessageType = 0x03
	// MsgResize recreates the frame channel at a new geometry. Payload is
	// two little-endian u32 values, width then height.
	MsgResize MessageType = 0x04
	// MsgRotate sets the display rotation. Payload is one little-endian
	// u32 of degrees, restricted to 0, 90, 180 or 270.
	MsgRotate MessageType = 0x05
	// MsgShutdown asks the worker to clean up and exit.
	MsgShutdown MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case MsgInit:
		return "init"
	case MsgProcessCommands:
		return "process_commands"
	case MsgGetFrame:
		return "get_frame"
	case MsgResize:
		return "resize"
	case MsgRotate:
		return "rotate"
	case MsgShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("type(0x%02X)", uint8(t))
	}
}

// Response status codes.
const (
	StatusOK    uint8 = 0x00
	StatusError uint8 = 0x01
)

// maxMessageSize bounds a single RPC payload in either direction.
const maxMessageSize = 64 << 20

// WriteRequest frames a request: 1-byte type, 4-byte little-endian
// length, payload.
func WriteRequest(w io.Writer, t MessageType, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write request payload: %w", err)
		}
	}
	return nil
}

// ReadRequest reads one framed request.
func ReadRequest(r io.Reader) (MessageType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	t := MessageType(hdr[0])
	size := binary.LittleEndian.Uint32(hdr[1:5])
	if size > maxMessageSize {
		return 0, nil, fmt.Errorf("request payload %d exceeds limit", size)
	}
	var payload []byte
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return t, payload, nil
}

// WriteResponse frames a response: 1-byte status, 4-byte little-endian
// length, payload.
func WriteResponse(w io.Writer, status uint8, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = status
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write response payload: %w", err)
		}
	}
	return nil
}

// ReadResponse reads one framed response.
func ReadResponse(r io.Reader) (status uint8, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[1:5])
	if size > maxMessageSize {
		return 0, nil, fmt.Errorf("response payload %d exceeds limit", size)
	}
	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

// EncodeResize packs a resize payload.
func EncodeResize(width, height int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(height))
	return buf
}

// DecodeResize unpacks a resize payload.
func DecodeResize(payload []byte) (width, height int, err error) {
	if len(payload) != 8 {
		return 0, 0, fmt.Errorf("resize payload must be 8 bytes, got %d", len(payload))
	}
	return int(binary.LittleEndian.Uint32(payload[0:4])),
		int(binary.LittleEndian.Uint32(payload[4:8])), nil
}

// EncodeRotate packs a rotation payload.
func EncodeRotate(degrees int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(degrees))
	return buf
}

// DecodeRotate unpacks a rotation payload.
func DecodeRotate(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("rotate payload must be 4 bytes, got %d", len(payload))
	}
	return int(binary.LittleEndian.Uint32(payload)), nil
}
