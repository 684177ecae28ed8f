package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

var ErrClosed = errors.New("stream closed")

// Request describes one streaming call against the backend.
type Request struct {
	Method string
	URL    string
	Body   any
	Header http.Header
}

// Handlers receive stream callbacks. OnEvent runs synchronously, one frame at a
// time, in arrival order. Exactly one of OnError or OnClose fires, unless the
// handle was closed by the caller first, in which case neither does.
type Handlers struct {
	OnEvent func(protocol.Event)
	OnError func(error)
	OnClose func()
}

// Adapter opens single-shot streams. There is no reconnection.
type Adapter interface {
	Open(ctx context.Context, req Request, h Handlers) (*Handle, error)
}

// Handle controls one open stream.
type Handle struct {
	id     string
	cancel context.CancelFunc
	h      Handlers

	closed   atomic.Bool
	finished atomic.Bool

	// deliverMu serializes handler calls against Close.
	deliverMu sync.Mutex

	once sync.Once
	done chan struct{}
}

func newHandle(cancel context.CancelFunc, h Handlers) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		cancel: cancel,
		h:      h,
		done:   make(chan struct{}),
	}
}

func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// Close aborts the stream. It is idempotent, and once it returns no further
// OnEvent call starts. It must not be called from inside a handler.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.closed.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
	// Wait out an in-flight OnEvent.
	h.deliverMu.Lock()
	h.deliverMu.Unlock()
}

// Closed reports whether the stream was closed by the caller or has finished.
func (h *Handle) Closed() bool {
	if h == nil {
		return true
	}
	return h.closed.Load() || h.finished.Load()
}

// Done is closed once the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) deliver(evt protocol.Event) bool {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.Closed() {
		return false
	}
	if h.h.OnEvent != nil {
		h.h.OnEvent(evt)
	}
	return true
}

// finish reports the terminal outcome once. err == nil means natural close.
func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.deliverMu.Lock()
		wasClosed := h.closed.Load()
		h.finished.Store(true)
		h.deliverMu.Unlock()
		close(h.done)
		if wasClosed {
			return
		}
		if err != nil {
			if h.h.OnError != nil {
				h.h.OnError(err)
			}
			return
		}
		if h.h.OnClose != nil {
			h.h.OnClose()
		}
	})
}
