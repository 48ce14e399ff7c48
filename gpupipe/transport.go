package gpupipe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/vsock"
)

// Transport produces the single connection a pipe runs over. Bind acquires
// listening resources synchronously so address conflicts surface before any
// background work starts; Accept blocks until the peer is available.
type Transport interface {
	// Bind acquires the local endpoint. A no-op for outbound transports.
	Bind() error
	// Accept returns the peer connection, honoring ctx cancellation.
	Accept(ctx context.Context) (net.Conn, error)
	// Close releases the endpoint, unblocking a pending Accept. It must be
	// idempotent and remove any socket file it created.
	Close() error
}

// UnixServerTransport listens on a Unix socket and accepts exactly one
// peer, standing in for the hypervisor-side virtio-serial chardev.
type UnixServerTransport struct {
	Path string

	listener net.Listener
}

func (t *UnixServerTransport) Bind() error {
	// A stale socket file from a crashed previous instance blocks the
	// bind; remove it first.
	if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", t.Path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", t.Path, err)
	}
	t.listener = l
	return nil
}

func (t *UnixServerTransport) Accept(ctx context.Context) (net.Conn, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("transport not bound")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := t.listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		t.listener.Close()
		// Reap the pending accept so its goroutine exits.
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (t *UnixServerTransport) Close() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
		t.listener = nil
	}
	if rmErr := os.Remove(t.Path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// UnixClientTransport dials an existing Unix socket, used for direct and
// test integration where the peer owns the listening side.
type UnixClientTransport struct {
	Path string

	// DialTimeout bounds each connection attempt. Zero means 10s.
	DialTimeout time.Duration
}

func (t *UnixClientTransport) Bind() error { return nil }

func (t *UnixClientTransport) Accept(ctx context.Context) (net.Conn, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.Path, err)
	}
	return conn, nil
}

func (t *UnixClientTransport) Close() error { return nil }

// VsockTransport dials a guest-side vsock endpoint directly, bypassing the
// chardev socket when the hypervisor exposes the GPU stream over
// virtio-vsock instead of virtio-serial.
type VsockTransport struct {
	ContextID uint32
	Port      uint32
}

func (t *VsockTransport) Bind() error { return nil }

func (t *VsockTransport) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := vsock.Dial(t.ContextID, t.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial cid=%d port=%d: %w", t.ContextID, t.Port, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func (t *VsockTransport) Close() error { return nil }
