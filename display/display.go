// Package display implements a minimal RFB (VNC) client used to pull
// frames from the hypervisor's framebuffer server and inject input.
package display

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// updateInterval throttles the receive loop to roughly 30 Hz.
	updateInterval = 33 * time.Millisecond

	// readTimeout bounds each wait for a server message so the loop can
	// keep issuing update requests on an idle connection.
	readTimeout = 100 * time.Millisecond

	// messageTimeout bounds reading the remainder of a message once its
	// type byte has arrived. A stall here means a broken peer.
	messageTimeout = 5 * time.Second

	disconnectJoinWait = 2 * time.Second
)

var (
	// ErrAuthUnsupported means the server did not offer the None security
	// type. Password-protected displays are out of scope.
	ErrAuthUnsupported = errors.New("server requires unsupported authentication")

	// ErrConnectFailed wraps handshake and dial failures.
	ErrConnectFailed = errors.New("display connection failed")

	// ErrBadHandshake means the peer does not speak RFB.
	ErrBadHandshake = errors.New("not an rfb server")
)

// FrameCallback receives the latest full frame. The slice must not be
// retained past the call.
type FrameCallback func(pixels []byte, width, height int)

// Client is an RFB client for a single display connection. It tracks one
// full frame at a time: Raw rectangles covering the whole framebuffer
// replace it, partial rectangles trigger a full refresh request instead of
// patching in place.
type Client struct {
	addr        string
	dialTimeout time.Duration

	connected atomic.Bool

	// writeMu serializes client messages: input injection and the loop's
	// update requests share the connection.
	writeMu sync.Mutex
	conn    net.Conn

	// fbMu guards the tracked frame and geometry.
	fbMu   sync.Mutex
	fb     []byte
	width  int
	height int

	loopDone chan struct{}

	cbMu      sync.Mutex
	cbNext    int
	callbacks map[int]FrameCallback
}

// Option configures a Client.
type Option func(*Client)

// WithConnectTimeout bounds the dial plus handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// NewClient creates a client for the display server at addr (host:port).
// Nothing is dialed until Connect.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		dialTimeout: defaultConnectTimeout,
		callbacks:   make(map[int]FrameCallback),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the server, performs the RFB 3.8 handshake requiring the
// None security type, negotiates a 32-bit pixel format with Raw and
// DesktopSize encodings, and starts the background receive loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	deadline := time.Now().Add(c.dialTimeout)
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	_ = conn.SetDeadline(deadline)

	si, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	c.fbMu.Lock()
	c.width = si.width
	c.height = si.height
	c.fb = nil
	c.fbMu.Unlock()

	c.conn = conn
	c.loopDone = make(chan struct{})
	c.connected.Store(true)

	log.G(ctx).WithFields(log.Fields{
		"addr":   c.addr,
		"width":  si.width,
		"height": si.height,
		"name":   si.name,
	}).Info("display: connected")

	go c.receiveLoop(conn, c.loopDone)
	return nil
}

func (c *Client) handshake(conn net.Conn) (serverInit, error) {
	var banner [versionLen]byte
	if _, err := io.ReadFull(conn, banner[:]); err != nil {
		return serverInit{}, fmt.Errorf("%w: reading banner: %v", ErrConnectFailed, err)
	}
	if !strings.HasPrefix(string(banner[:]), "RFB ") {
		return serverInit{}, fmt.Errorf("%w: banner %q", ErrBadHandshake, string(banner[:]))
	}
	if _, err := conn.Write([]byte(protocolVersion)); err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	// Security negotiation. A zero count means the server refused the
	// connection and follows with a reason string.
	var count [1]byte
	if _, err := io.ReadFull(conn, count[:]); err != nil {
		return serverInit{}, fmt.Errorf("%w: security types: %v", ErrConnectFailed, err)
	}
	if count[0] == 0 {
		return serverInit{}, fmt.Errorf("%w: %s", ErrConnectFailed, readReason(conn))
	}
	types := make([]byte, count[0])
	if _, err := io.ReadFull(conn, types); err != nil {
		return serverInit{}, fmt.Errorf("%w: security types: %v", ErrConnectFailed, err)
	}
	offersNone := false
	for _, t := range types {
		if t == securityNone {
			offersNone = true
			break
		}
	}
	if !offersNone {
		return serverInit{}, fmt.Errorf("%w: offered types %v", ErrAuthUnsupported, types)
	}
	if _, err := conn.Write([]byte{securityNone}); err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	var result [4]byte
	if _, err := io.ReadFull(conn, result[:]); err != nil {
		return serverInit{}, fmt.Errorf("%w: security result: %v", ErrConnectFailed, err)
	}
	if binary.BigEndian.Uint32(result[:]) != 0 {
		return serverInit{}, fmt.Errorf("%w: %s", ErrConnectFailed, readReason(conn))
	}

	// ClientInit with shared=1: never kick other viewers off the display.
	if _, err := conn.Write([]byte{1}); err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	si, err := readServerInit(conn)
	if err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if _, err := conn.Write(encodeSetPixelFormat()); err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if _, err := conn.Write(encodeSetEncodings(encodingRaw, encodingDesktopSize)); err != nil {
		return serverInit{}, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return si, nil
}

// receiveLoop alternates update requests and server message parsing at
// roughly 30 Hz until the connection breaks or Disconnect is called.
func (c *Client) receiveLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	// The first request is non-incremental to force a full frame.
	needFull := true

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for c.connected.Load() {
		c.fbMu.Lock()
		w, h := c.width, c.height
		c.fbMu.Unlock()

		c.writeMessage(encodeUpdateRequest(!needFull, w, h))
		needFull = false

		full, err := c.readServerMessage(conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if c.connected.Load() {
				log.L.WithError(err).Debug("display: receive loop ending")
				c.connected.Store(false)
			}
			return
		}
		if !full {
			needFull = true
		}
		<-ticker.C
	}
}

// readServerMessage parses one server message. It reports whether the
// tracked frame is still complete; a partial rectangle or a desktop resize
// leaves it incomplete and the caller requests a full refresh.
func (c *Client) readServerMessage(conn net.Conn) (full bool, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var msgType [1]byte
	if _, err := io.ReadFull(conn, msgType[:]); err != nil {
		return true, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(messageTimeout))
	defer conn.SetReadDeadline(time.Time{})

	switch msgType[0] {
	case msgFramebufferUpdate:
		return c.readFramebufferUpdate(conn)
	case msgSetColourMapEntries:
		var hdr [5]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return true, err
		}
		n := int(binary.BigEndian.Uint16(hdr[3:5]))
		_, err := io.CopyN(io.Discard, conn, int64(n*6))
		return true, err
	case msgBell:
		return true, nil
	case msgServerCutText:
		var hdr [7]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return true, err
		}
		n := binary.BigEndian.Uint32(hdr[3:7])
		_, err := io.CopyN(io.Discard, conn, int64(n))
		return true, err
	default:
		return true, fmt.Errorf("unknown server message type %d", msgType[0])
	}
}

func (c *Client) readFramebufferUpdate(conn net.Conn) (full bool, err error) {
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return true, err
	}
	numRects := int(binary.BigEndian.Uint16(hdr[1:3]))

	full = true
	for i := 0; i < numRects; i++ {
		rect, err := readRectHeader(conn)
		if err != nil {
			return true, err
		}

		switch rect.encoding {
		case encodingRaw:
			pixels := make([]byte, rect.w*rect.h*bytesPerPixel)
			if _, err := io.ReadFull(conn, pixels); err != nil {
				return true, err
			}
			c.fbMu.Lock()
			if rect.x == 0 && rect.y == 0 && rect.w == c.width && rect.h == c.height {
				c.fb = pixels
				w, h := c.width, c.height
				c.fbMu.Unlock()
				c.notifyFrame(pixels, w, h)
			} else {
				// Partial rectangle: discard and fall back to a full
				// refresh rather than patching the tracked buffer.
				c.fbMu.Unlock()
				full = false
			}
		case encodingDesktopSize:
			c.fbMu.Lock()
			c.width = rect.w
			c.height = rect.h
			c.fb = nil
			c.fbMu.Unlock()
			full = false
		default:
			return true, fmt.Errorf("unexpected encoding %d", rect.encoding)
		}
	}
	return full, nil
}

// SendKey injects a key press or release. Silently a no-op when not
// connected; input injection is fire-and-forget.
func (c *Client) SendKey(key uint32, down bool) {
	if !c.connected.Load() {
		return
	}
	c.writeMessage(encodeKeyEvent(key, down))
}

// SendPointer injects an absolute pointer event with the given button
// mask. Silently a no-op when not connected.
func (c *Client) SendPointer(x, y int, buttons uint8) {
	if !c.connected.Load() {
		return
	}
	c.writeMessage(encodePointerEvent(x, y, buttons))
}

func (c *Client) writeMessage(msg []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write(msg); err != nil {
		c.connected.Store(false)
	}
}

// Framebuffer returns a snapshot copy of the latest full frame with its
// geometry, or ok=false if no frame has been captured yet.
func (c *Client) Framebuffer() (pixels []byte, width, height int, ok bool) {
	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	if c.fb == nil {
		return nil, 0, 0, false
	}
	snapshot := make([]byte, len(c.fb))
	copy(snapshot, c.fb)
	return snapshot, c.width, c.height, true
}

// Size returns the current display geometry.
func (c *Client) Size() (width, height int) {
	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	return c.width, c.height
}

// Connected reports whether the receive loop is live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// OnFrame registers a callback invoked for every full frame received.
// It returns a token for RemoveCallback.
func (c *Client) OnFrame(cb FrameCallback) int {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	id := c.cbNext
	c.cbNext++
	c.callbacks[id] = cb
	return id
}

// RemoveCallback unregisters a frame callback. Unknown tokens are ignored.
func (c *Client) RemoveCallback(token int) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	delete(c.callbacks, token)
}

func (c *Client) notifyFrame(pixels []byte, w, h int) {
	c.cbMu.Lock()
	snapshot := make([]FrameCallback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		snapshot = append(snapshot, cb)
	}
	c.cbMu.Unlock()

	for _, cb := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.L.WithField("panic", rec).Warn("display: frame callback panicked")
				}
			}()
			cb(pixels, w, h)
		}()
	}
}

// Disconnect stops the receive loop, joins it and closes the socket.
// Idempotent; safe to call on a never-connected client.
func (c *Client) Disconnect() {
	wasConnected := c.connected.Swap(false)

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if wasConnected && c.loopDone != nil {
		select {
		case <-c.loopDone:
		case <-time.After(disconnectJoinWait):
			log.L.Warn("display: receive loop did not exit in time")
		}
	}
}

// Cleanup releases all resources. Alias for Disconnect kept for lifecycle
// symmetry with the other per-instance components.
func (c *Client) Cleanup() {
	c.Disconnect()
}
