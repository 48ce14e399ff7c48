package gpupipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
)

const stopJoinWait = 2 * time.Second

// ErrAlreadyStarted is returned by Start on a running pipe.
var ErrAlreadyStarted = errors.New("gpu pipe already started")

// Handler processes one command packet and returns an optional response
// written back on the same stream. A returned error terminates the loop.
type Handler func(*Packet) ([]byte, error)

// ErrorCallback receives handler failures from the command loop.
type ErrorCallback func(error)

// Pipe runs a command loop over a single transport connection: read a
// packet, invoke the handler, write any non-empty response. Handler
// failures are routed to the error callback and end the loop without
// taking the process down.
type Pipe struct {
	transport Transport
	handler   Handler
	onError   ErrorCallback

	running atomic.Bool

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
}

// New creates a pipe over the given transport. The handler must be
// non-nil; onError may be nil.
func New(transport Transport, handler Handler, onError ErrorCallback) *Pipe {
	return &Pipe{
		transport: transport,
		handler:   handler,
		onError:   onError,
	}
}

// Start binds the transport and launches the command loop. The loop
// itself waits for the peer; Start only fails on bind errors or when
// already started.
func (p *Pipe) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := p.transport.Bind(); err != nil {
		p.running.Store(false)
		return fmt.Errorf("gpu pipe: %w", err)
	}

	p.mu.Lock()
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.run(ctx, done)
	return nil
}

func (p *Pipe) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	conn, err := p.transport.Accept(ctx)
	if err != nil {
		if p.running.Load() {
			log.G(ctx).WithError(err).Warn("gpupipe: no peer connection")
			p.reportError(err)
		}
		return
	}

	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()

	log.G(ctx).Debug("gpupipe: peer connected")
	p.commandLoop(conn)
}

func (p *Pipe) commandLoop(conn net.Conn) {
	for p.running.Load() {
		pkt, err := ReadPacket(conn)
		if err != nil {
			// Peer closed or stream corrupt; either way the session is
			// over. Not an error during deliberate shutdown.
			if p.running.Load() {
				log.L.WithError(err).Debug("gpupipe: command stream ended")
			}
			return
		}

		resp, err := p.invoke(pkt)
		if err != nil {
			p.reportError(fmt.Errorf("handler failed on opcode %d seq %d: %w", pkt.Opcode, pkt.Sequence, err))
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				log.L.WithError(err).Debug("gpupipe: response write failed")
				return
			}
		}
	}
}

// invoke runs the handler with panic isolation.
func (p *Pipe) invoke(pkt *Packet) (resp []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return p.handler(pkt)
}

func (p *Pipe) reportError(err error) {
	if p.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.L.WithField("panic", rec).Warn("gpupipe: error callback panicked")
		}
	}()
	p.onError(err)
}

// Running reports whether the loop has been started and not yet stopped.
func (p *Pipe) Running() bool {
	return p.running.Load()
}

// Stop disconnects the peer, closes the transport (removing any socket
// file) and joins the loop with a bounded wait. Idempotent.
func (p *Pipe) Stop() {
	if !p.running.Swap(false) {
		return
	}

	p.mu.Lock()
	conn := p.conn
	done := p.done
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if err := p.transport.Close(); err != nil {
		log.L.WithError(err).Warn("gpupipe: transport close failed")
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinWait):
			log.L.Warn("gpupipe: command loop did not exit in time")
		}
	}
}
