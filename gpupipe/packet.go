// Package gpupipe carries the guest GPU command stream over a framed
// byte pipe, typically a Unix socket backed by a virtio-serial chardev.
package gpupipe

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// headerSize is the fixed packet header: three little-endian u32
	// fields (sequence, opcode, size).
	headerSize = 12

	// maxPayloadSize caps a single packet. Anything larger is a corrupt
	// stream, not a real command buffer.
	maxPayloadSize = 16 << 20
)

// Packet is one framed GPU command. The payload is opaque to the pipe.
type Packet struct {
	Sequence uint32
	Opcode   uint32
	Payload  []byte
}

// WritePacket frames and writes p to w.
func WritePacket(w io.Writer, p *Packet) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Sequence)
	binary.LittleEndian.PutUint32(hdr[4:8], p.Opcode)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(p.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write packet header: %w", err)
	}
	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return fmt.Errorf("write packet payload: %w", err)
		}
	}
	return nil
}

// ReadPacket reads one full packet from r, looping until the header and
// payload have arrived. A short read or closed peer returns an error; the
// caller treats any error as end of stream.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	p := &Packet{
		Sequence: binary.LittleEndian.Uint32(hdr[0:4]),
		Opcode:   binary.LittleEndian.Uint32(hdr[4:8]),
	}
	size := binary.LittleEndian.Uint32(hdr[8:12])
	if size > maxPayloadSize {
		return nil, fmt.Errorf("packet payload %d exceeds limit", size)
	}
	if size > 0 {
		p.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return nil, err
		}
	}
	return p, nil
}
