package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/containerd/log"

	"github.com/linblock/linblock/renderer"
	"github.com/linblock/linblock/sandbox"
	"github.com/linblock/linblock/shmframe"
)

const dialTimeout = 5 * time.Second

// Config describes one worker run.
type Config struct {
	// SocketPath is the supervisor's listening IPC socket.
	SocketPath string
	// ShmName is the frame channel to create.
	ShmName string

	Width  int
	Height int

	// LibraryPath optionally selects the native translation backend.
	LibraryPath string

	// Limits applied to this process before any guest data is read.
	Limits sandbox.Limits
}

// Run executes the worker loop until SHUTDOWN or a broken supervisor
// connection. Hardening happens first: by the time guest-derived bytes
// arrive, the process is already confined.
func Run(ctx context.Context, cfg Config) error {
	if err := sandbox.Apply(cfg.Limits); err != nil {
		// Partial hardening is surfaced, not fatal: rlimits may be
		// rejected on hosts where the sandbox wrapper already set them.
		log.G(ctx).WithError(err).Warn("worker: hardening incomplete")
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial supervisor %s: %w", cfg.SocketPath, err)
	}
	defer conn.Close()

	backend := SelectBackend(ctx, cfg.LibraryPath, cfg.Width, cfg.Height)
	defer backend.Cleanup()

	producer, err := shmframe.Create(cfg.ShmName, cfg.Width, cfg.Height)
	if err != nil {
		return fmt.Errorf("create frame channel: %w", err)
	}
	defer producer.Cleanup()

	log.G(ctx).WithFields(log.Fields{
		"backend": backend.Name(),
		"shm":     cfg.ShmName,
		"width":   cfg.Width,
		"height":  cfg.Height,
	}).Info("worker: ready")

	return serve(ctx, conn, backend, producer)
}

func serve(ctx context.Context, conn net.Conn, backend Backend, producer *shmframe.Producer) error {
	var frameNumber uint64
	rotation := 0

	for {
		msgType, payload, err := renderer.ReadRequest(conn)
		if err != nil {
			// Supervisor went away; exit quietly.
			log.G(ctx).WithError(err).Debug("worker: request stream ended")
			return nil
		}

		switch msgType {
		case renderer.MsgInit:
			replyOK(conn, nil)

		case renderer.MsgProcessCommands:
			pixels, err := backend.ProcessCommands(payload, frameNumber+1, rotation)
			if err != nil {
				replyError(conn, fmt.Sprintf("render failed: %v", err))
				continue
			}
			frameNumber++
			if err := producer.WriteFrame(pixels, frameNumber, uint64(time.Now().UnixNano())); err != nil {
				replyError(conn, fmt.Sprintf("frame publish failed: %v", err))
				continue
			}
			replyOK(conn, nil)

		case renderer.MsgResize:
			width, height, err := renderer.DecodeResize(payload)
			if err != nil {
				replyError(conn, err.Error())
				continue
			}
			if err := backend.Resize(width, height); err != nil {
				replyError(conn, err.Error())
				continue
			}
			if err := producer.Resize(width, height); err != nil {
				replyError(conn, fmt.Sprintf("frame channel resize failed: %v", err))
				continue
			}
			log.G(ctx).WithFields(log.Fields{
				"width":  width,
				"height": height,
			}).Info("worker: resized")
			replyOK(conn, nil)

		case renderer.MsgRotate:
			degrees, err := renderer.DecodeRotate(payload)
			if err != nil {
				replyError(conn, err.Error())
				continue
			}
			switch degrees {
			case 0, 90, 180, 270:
				rotation = degrees
				replyOK(conn, nil)
			default:
				replyError(conn, fmt.Sprintf("unsupported rotation %d", degrees))
			}

		case renderer.MsgGetFrame:
			replyError(conn, "get_frame is reserved; read frames from shared memory")

		case renderer.MsgShutdown:
			replyOK(conn, nil)
			log.G(ctx).Info("worker: shutdown requested")
			return nil

		default:
			replyError(conn, fmt.Sprintf("unknown message %s", msgType))
		}
	}
}

func replyOK(conn net.Conn, payload []byte) {
	if err := renderer.WriteResponse(conn, renderer.StatusOK, payload); err != nil {
		log.L.WithError(err).Debug("worker: response write failed")
	}
}

func replyError(conn net.Conn, msg string) {
	if err := renderer.WriteResponse(conn, renderer.StatusError, []byte(msg)); err != nil {
		log.L.WithError(err).Debug("worker: response write failed")
	}
}
