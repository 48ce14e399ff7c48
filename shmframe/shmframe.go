// Package shmframe implements the shared-memory frame channel between the
// renderer worker and frame consumers: a named POSIX shared-memory object
// holding a fixed header and a single pixel buffer overwritten in place.
//
// The channel is single-writer/multi-reader with no double buffering and
// no generation lock. A reader can in principle observe a torn frame (new
// header, partially copied pixels) under unlucky scheduling; consumers
// that need hard consistency should copy and checksum at a higher layer.
package shmframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// Magic identifies the region as a frame channel ("LBKD").
	Magic = 0x4C424B44

	// Version of the header layout.
	Version = 1

	// FormatBGRA8888 is the only pixel format currently produced.
	FormatBGRA8888 = 1

	bytesPerPixel = 4

	// headerSize is the fixed little-endian header: magic, version,
	// width, height, stride, format (u32 each), then frame_number and
	// timestamp_ns (u64 each).
	headerSize = 40

	shmDir = "/dev/shm"
)

var (
	// ErrInvalidSharedMemory means the region does not carry a valid
	// frame channel header.
	ErrInvalidSharedMemory = errors.New("invalid shared memory region")

	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("shared memory region closed")
)

// Frame is an immutable snapshot of one received frame.
type Frame struct {
	Width       uint32
	Height      uint32
	FrameNumber uint64
	TimestampNS uint64
	Pixels      []byte
}

// shmPath maps a POSIX shared-memory name ("/linblock_display_1234") to
// its backing file on the tmpfs mount.
func shmPath(name string) string {
	return filepath.Join(shmDir, strings.TrimPrefix(name, "/"))
}

func writeHeader(data []byte, width, height uint32, frameNumber, timestampNS uint64) {
	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], Version)
	binary.LittleEndian.PutUint32(data[8:12], width)
	binary.LittleEndian.PutUint32(data[12:16], height)
	binary.LittleEndian.PutUint32(data[16:20], width*bytesPerPixel)
	binary.LittleEndian.PutUint32(data[20:24], FormatBGRA8888)
	binary.LittleEndian.PutUint64(data[24:32], frameNumber)
	binary.LittleEndian.PutUint64(data[32:40], timestampNS)
}

// Producer owns the writable mapping of a frame channel.
type Producer struct {
	name   string
	file   *os.File
	data   []byte
	width  uint32
	height uint32
}

// Create allocates (or re-truncates) the named region sized for width x
// height BGRA pixels and writes an initial frame-zero header.
func Create(name string, width, height int) (*Producer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}

	size := headerSize + width*height*bytesPerPixel
	f, err := os.OpenFile(shmPath(name), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm open %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(shmPath(name))
		return nil, fmt.Errorf("shm truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(shmPath(name))
		return nil, fmt.Errorf("shm mmap %s: %w", name, err)
	}

	p := &Producer{
		name:   name,
		file:   f,
		data:   data,
		width:  uint32(width),
		height: uint32(height),
	}
	writeHeader(data, p.width, p.height, 0, 0)
	return p, nil
}

// Name returns the POSIX shared-memory name consumers open.
func (p *Producer) Name() string {
	return p.name
}

// WriteFrame publishes one frame: the header is updated first, then the
// pixels are copied in place. Mismatched buffer sizes are tolerated; extra
// bytes are dropped and short buffers leave the tail of the region stale.
func (p *Producer) WriteFrame(pixels []byte, frameNumber, timestampNS uint64) error {
	if p.data == nil {
		return ErrClosed
	}
	writeHeader(p.data, p.width, p.height, frameNumber, timestampNS)
	copy(p.data[headerSize:], pixels)
	return nil
}

// Resize tears the region down and recreates it at the new geometry.
// Existing consumer mappings become stale and must re-open.
func (p *Producer) Resize(width, height int) error {
	if p.data == nil {
		return ErrClosed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d", width, height)
	}

	if err := unix.Munmap(p.data); err != nil {
		return fmt.Errorf("shm munmap: %w", err)
	}
	p.data = nil

	size := headerSize + width*height*bytesPerPixel
	if err := p.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("shm truncate: %w", err)
	}
	data, err := unix.Mmap(int(p.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm mmap: %w", err)
	}

	p.data = data
	p.width = uint32(width)
	p.height = uint32(height)
	writeHeader(data, p.width, p.height, 0, 0)
	return nil
}

// Cleanup unmaps, closes and unlinks the region. Idempotent; errors from
// individual steps are joined so every step still runs.
func (p *Producer) Cleanup() error {
	var errs []error
	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			errs = append(errs, err)
		}
		p.data = nil
	}
	if p.file != nil {
		if err := p.file.Close(); err != nil {
			errs = append(errs, err)
		}
		p.file = nil
		if err := os.Remove(shmPath(p.name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Consumer holds a read-only mapping of a frame channel.
type Consumer struct {
	name     string
	file     *os.File
	data     []byte
	lastSeen uint64
	seenAny  bool
}

// Open maps the named region read-only and validates its header.
func Open(name string) (*Consumer, error) {
	f, err := os.Open(shmPath(name))
	if err != nil {
		return nil, fmt.Errorf("shm open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm stat %s: %w", name, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: region too small (%d bytes)", ErrInvalidSharedMemory, info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm mmap %s: %w", name, err)
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidSharedMemory, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != Version {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSharedMemory, version)
	}

	return &Consumer{name: name, file: f, data: data}, nil
}

// ReadFrame returns a snapshot of the current frame if its frame number
// differs from the last one this consumer observed, or nil if nothing new
// has been published.
func (c *Consumer) ReadFrame() (*Frame, error) {
	if c.data == nil {
		return nil, ErrClosed
	}

	frameNumber := binary.LittleEndian.Uint64(c.data[24:32])
	if c.seenAny && frameNumber == c.lastSeen {
		return nil, nil
	}

	width := binary.LittleEndian.Uint32(c.data[8:12])
	height := binary.LittleEndian.Uint32(c.data[12:16])
	stride := binary.LittleEndian.Uint32(c.data[16:20])

	pixelBytes := int(stride) * int(height)
	if headerSize+pixelBytes > len(c.data) {
		return nil, fmt.Errorf("%w: header claims %d pixel bytes in a %d byte region",
			ErrInvalidSharedMemory, pixelBytes, len(c.data))
	}

	pixels := make([]byte, pixelBytes)
	copy(pixels, c.data[headerSize:headerSize+pixelBytes])

	c.lastSeen = frameNumber
	c.seenAny = true
	return &Frame{
		Width:       width,
		Height:      height,
		FrameNumber: frameNumber,
		TimestampNS: binary.LittleEndian.Uint64(c.data[32:40]),
		Pixels:      pixels,
	}, nil
}

// Cleanup unmaps and closes the consumer mapping. The region itself is
// owned and unlinked by the producer. Idempotent.
func (c *Consumer) Cleanup() error {
	var errs []error
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			errs = append(errs, err)
		}
		c.data = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, err)
		}
		c.file = nil
	}
	return errors.Join(errs...)
}
