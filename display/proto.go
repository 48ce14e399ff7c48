package display

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RFB 3.8 protocol subset. All multi-byte protocol fields are big-endian
// per the RFB specification.
const (
	protocolVersion = "RFB 003.008\n"
	versionLen      = 12

	securityNone = 1

	// Client message types
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
	msgKeyEvent                 = 4
	msgPointerEvent             = 5

	// Server message types
	msgFramebufferUpdate   = 0
	msgSetColourMapEntries = 1
	msgBell                = 2
	msgServerCutText       = 3

	encodingRaw         = 0
	encodingDesktopSize = -223

	bytesPerPixel = 4
)

// pixelFormat32 is the 16-byte pixel format the client always negotiates:
// 32 bits per pixel, 24-bit depth, little-endian true color with the red
// channel in bits 16..23. In memory that is BGRA byte order.
func pixelFormat32() [16]byte {
	var pf [16]byte
	pf[0] = 32 // bits per pixel
	pf[1] = 24 // depth
	pf[2] = 0  // big-endian flag
	pf[3] = 1  // true color
	binary.BigEndian.PutUint16(pf[4:6], 255)  // red max
	binary.BigEndian.PutUint16(pf[6:8], 255)  // green max
	binary.BigEndian.PutUint16(pf[8:10], 255) // blue max
	pf[10] = 16 // red shift
	pf[11] = 8  // green shift
	pf[12] = 0  // blue shift
	return pf
}

func encodeSetPixelFormat() []byte {
	buf := make([]byte, 20)
	buf[0] = msgSetPixelFormat
	pf := pixelFormat32()
	copy(buf[4:], pf[:])
	return buf
}

func encodeSetEncodings(encodings ...int32) []byte {
	buf := make([]byte, 4+4*len(encodings))
	buf[0] = msgSetEncodings
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(encodings)))
	for i, e := range encodings {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(e))
	}
	return buf
}

func encodeUpdateRequest(incremental bool, w, h int) []byte {
	buf := make([]byte, 10)
	buf[0] = msgFramebufferUpdateRequest
	if incremental {
		buf[1] = 1
	}
	binary.BigEndian.PutUint16(buf[6:8], uint16(w))
	binary.BigEndian.PutUint16(buf[8:10], uint16(h))
	return buf
}

func encodeKeyEvent(key uint32, down bool) []byte {
	buf := make([]byte, 8)
	buf[0] = msgKeyEvent
	if down {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[4:8], key)
	return buf
}

func encodePointerEvent(x, y int, buttons uint8) []byte {
	buf := make([]byte, 6)
	buf[0] = msgPointerEvent
	buf[1] = buttons
	binary.BigEndian.PutUint16(buf[2:4], uint16(x))
	binary.BigEndian.PutUint16(buf[4:6], uint16(y))
	return buf
}

// rectHeader is the per-rectangle header inside a FramebufferUpdate.
type rectHeader struct {
	x, y, w, h int
	encoding   int32
}

func readRectHeader(r io.Reader) (rectHeader, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return rectHeader{}, err
	}
	return rectHeader{
		x:        int(binary.BigEndian.Uint16(buf[0:2])),
		y:        int(binary.BigEndian.Uint16(buf[2:4])),
		w:        int(binary.BigEndian.Uint16(buf[4:6])),
		h:        int(binary.BigEndian.Uint16(buf[6:8])),
		encoding: int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// readReason reads an RFB failure reason string (u32 length + bytes).
func readReason(r io.Reader) string {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "unknown"
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 4096 {
		return "unknown"
	}
	reason := make([]byte, n)
	if _, err := io.ReadFull(r, reason); err != nil {
		return "unknown"
	}
	return string(reason)
}

// serverInit is the geometry half of the RFB ServerInit message. The
// server's pixel format is discarded since the client immediately
// renegotiates it.
type serverInit struct {
	width  int
	height int
	name   string
}

func readServerInit(r io.Reader) (serverInit, error) {
	var buf [24]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return serverInit{}, fmt.Errorf("server init: %w", err)
	}
	si := serverInit{
		width:  int(binary.BigEndian.Uint16(buf[0:2])),
		height: int(binary.BigEndian.Uint16(buf[2:4])),
	}
	nameLen := binary.BigEndian.Uint32(buf[20:24])
	if nameLen > 0 && nameLen <= 4096 {
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return serverInit{}, fmt.Errorf("server name: %w", err)
		}
		si.name = string(name)
	}
	return si, nil
}
