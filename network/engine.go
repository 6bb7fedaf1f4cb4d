package network

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"msnslp/p2p"
	"msnslp/slp"
)

const (
	// DefaultOpsPerTurn bounds how many queued operations run between flushes.
	DefaultOpsPerTurn = 64
	opsQueueSize      = 256
)

// ErrEngineStopped is returned for operations submitted after Run returned.
var ErrEngineStopped = errors.New("network: engine stopped")

// Op is a unit of work run on the engine goroutine.
type Op func(session *slp.Session) error

type queuedOp struct {
	fn   Op
	done chan<- error
}

// Engine owns an slp.Session and serializes all access to it on one
// goroutine: received chunks, application requests and connection events
// are applied in order, then every link sends a bounded number of parts.
type Engine struct {
	session    *slp.Session
	log        *zap.Logger
	opsPerTurn int

	ops     chan queuedOp
	stopped chan struct{}
}

// NewEngine creates an engine for session.
func NewEngine(session *slp.Session, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		session:    session,
		log:        log.Named("engine"),
		opsPerTurn: DefaultOpsPerTurn,
		ops:        make(chan queuedOp, opsQueueSize),
		stopped:    make(chan struct{}),
	}
}

// Run processes operations until ctx is done, then closes the session.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	defer e.session.Close()

	for {
		pending, err := e.session.Flush()
		if err != nil {
			e.log.Warn("Sending parts failed", zap.Error(err))
		}

		if pending {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case op := <-e.ops:
				e.apply(op)
				e.drain()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case op := <-e.ops:
			e.apply(op)
			e.drain()
		}
	}
}

// Do runs fn on the engine goroutine and waits for its result.
func (e *Engine) Do(ctx context.Context, fn Op) error {
	done := make(chan error, 1)
	if err := e.submit(ctx, queuedOp{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Post queues fn without waiting for it. Errors are logged.
func (e *Engine) Post(ctx context.Context, fn Op) error {
	return e.submit(ctx, queuedOp{fn: fn})
}

// DeliverChunk queues a chunk received from peer.
func (e *Engine) DeliverChunk(ctx context.Context, peer string, chunk p2p.Chunk) error {
	return e.Post(ctx, func(s *slp.Session) error {
		return s.ProcessChunk(peer, chunk)
	})
}

func (e *Engine) submit(ctx context.Context, op queuedOp) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}

	select {
	case e.ops <- op:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (e *Engine) drain() {
	for range e.opsPerTurn - 1 {
		select {
		case op := <-e.ops:
			e.apply(op)
		default:
			return
		}
	}
}

func (e *Engine) apply(op queuedOp) {
	err := op.fn(e.session)
	if op.done != nil {
		op.done <- err
		return
	}
	if err != nil {
		e.log.Warn("Operation failed", zap.Error(err))
	}
}
