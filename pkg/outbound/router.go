// Package outbound serializes frames from many producers onto one WebSocket
// connection. Producers submit to a bounded mailbox; a single goroutine owns
// the write side of the connection and drains the mailbox in arrival order.
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultCapacity      = 100
	DefaultWriteTimeout  = 10 * time.Second
	DefaultSubmitTimeout = time.Second
)

var (
	// ErrMailboxFull is returned when the writer has not drained the mailbox
	// within the submit timeout.
	ErrMailboxFull = errors.New("outbound mailbox full")
	// ErrMailboxClosed is returned once the router has been closed or its
	// writer has failed.
	ErrMailboxClosed = errors.New("outbound mailbox closed")
)

// Frame is one WebSocket message waiting to be written.
type Frame struct {
	Type int
	Data []byte
}

func Text(data []byte) Frame { return Frame{Type: websocket.TextMessage, Data: data} }
func Pong(data []byte) Frame { return Frame{Type: websocket.PongMessage, Data: data} }

// Writer is the write half of a WebSocket connection. *websocket.Conn satisfies it.
type Writer interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

type Options struct {
	Logger        *zap.SugaredLogger
	Capacity      int
	WriteTimeout  time.Duration
	SubmitTimeout time.Duration
}

// Router is a multi-producer, single-writer mailbox in front of a Writer.
type Router struct {
	log           *zap.SugaredLogger
	w             Writer
	mailbox       chan Frame
	writeTimeout  time.Duration
	submitTimeout time.Duration

	quit      chan struct{}
	closeOnce sync.Once
	stalled   atomic.Bool
	done      chan struct{}
	err       error
}

// New starts the writer goroutine. The router owns w's write side until Close
// is called or a write fails.
func New(w Writer, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	r := &Router{
		log:           opts.Logger,
		w:             w,
		mailbox:       make(chan Frame, opts.Capacity),
		writeTimeout:  opts.WriteTimeout,
		submitTimeout: opts.SubmitTimeout,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Router) run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			r.err = ErrMailboxClosed
			if r.stalled.Load() {
				r.err = ErrMailboxFull
			}
			return
		case f := <-r.mailbox:
			_ = r.w.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := r.w.WriteMessage(f.Type, f.Data); err != nil {
				r.log.Warnw("write failed, stopping writer", "error", err)
				r.err = fmt.Errorf("write frame: %w", err)
				return
			}
		}
	}
}

// Submit queues f for writing. It waits at most the submit timeout for room
// in the mailbox and never blocks after the router has stopped. A submission
// that times out stops the router with ErrMailboxFull.
func (r *Router) Submit(f Frame) error {
	select {
	case <-r.quit:
		return ErrMailboxClosed
	case <-r.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case r.mailbox <- f:
		return nil
	default:
	}

	t := time.NewTimer(r.submitTimeout)
	defer t.Stop()
	select {
	case r.mailbox <- f:
		return nil
	case <-r.quit:
		return ErrMailboxClosed
	case <-r.done:
		return ErrMailboxClosed
	case <-t.C:
		r.log.Warnw("mailbox full, stopping writer", "capacity", cap(r.mailbox))
		r.closeOnce.Do(func() {
			r.stalled.Store(true)
			close(r.quit)
		})
		return ErrMailboxFull
	}
}

// SubmitJSON marshals v and queues it as a text frame.
func (r *Router) SubmitJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return r.Submit(Text(b))
}

// Done is closed when the writer goroutine has exited: Close was called, a
// write failed, or the mailbox stayed full.
func (r *Router) Done() <-chan struct{} { return r.done }

// Err reports why the writer stopped. It is nil while the writer is running.
func (r *Router) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close aborts the writer. Frames still in the mailbox are discarded; it does
// not wait for the writer goroutine to exit.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
}
