package stream

import (
	"context"
	"sync"
	"time"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

// ScriptFunc returns a canned event sequence for a request, or nil to leave the
// stream open for manual driving through Next.
type ScriptFunc func(req Request) []protocol.Event

// ScriptedAdapter is an in-memory Adapter. Scripted requests replay their events
// and close; other streams are handed to the caller via Next.
type ScriptedAdapter struct {
	script ScriptFunc
	delay  time.Duration

	mu       sync.Mutex
	requests []Request
	openErr  error
	opened   chan *ScriptedStream
}

func NewScriptedAdapter(script ScriptFunc, delay time.Duration) *ScriptedAdapter {
	return &ScriptedAdapter{
		script: script,
		delay:  delay,
		opened: make(chan *ScriptedStream, 64),
	}
}

// FailOpens makes every following Open call return err. Nil restores normal behaviour.
func (a *ScriptedAdapter) FailOpens(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErr = err
}

// Requests returns every request seen so far, in order.
func (a *ScriptedAdapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *ScriptedAdapter) Open(ctx context.Context, req Request, h Handlers) (*Handle, error) {
	a.mu.Lock()
	openErr := a.openErr
	if openErr == nil {
		a.requests = append(a.requests, req)
	}
	a.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	streamCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(cancel, h)
	s := &ScriptedStream{
		Request: req,
		handle:  handle,
		frames:  make(chan scriptedFrame),
	}
	go s.run(streamCtx)

	var events []protocol.Event
	if a.script != nil {
		events = a.script(req)
	}
	if events != nil {
		go a.play(s, events)
		return handle, nil
	}

	select {
	case a.opened <- s:
	default:
		// Nobody is driving manual streams; end it rather than leak it.
		go func() { _ = s.Finish() }()
	}
	return handle, nil
}

// Next waits for the next manually driven stream.
func (a *ScriptedAdapter) Next(ctx context.Context) (*ScriptedStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-a.opened:
		return s, nil
	}
}

func (a *ScriptedAdapter) play(s *ScriptedStream, events []protocol.Event) {
	for _, evt := range events {
		if a.delay > 0 {
			select {
			case <-time.After(a.delay):
			case <-s.handle.Done():
				return
			}
		}
		if err := s.Emit(evt); err != nil {
			return
		}
	}
	_ = s.Finish()
}

type frameKind int

const (
	frameEvent frameKind = iota
	frameFinish
	frameFail
)

type scriptedFrame struct {
	kind frameKind
	evt  protocol.Event
	err  error
	ack  chan bool
}

// ScriptedStream is one open in-memory stream.
type ScriptedStream struct {
	Request Request

	handle *Handle
	frames chan scriptedFrame
}

func (s *ScriptedStream) Handle() *Handle {
	return s.handle
}

// Emit delivers evt and waits until OnEvent has returned.
func (s *ScriptedStream) Emit(evt protocol.Event) error {
	return s.send(scriptedFrame{kind: frameEvent, evt: evt})
}

// Finish ends the stream naturally (OnClose).
func (s *ScriptedStream) Finish() error {
	return s.send(scriptedFrame{kind: frameFinish})
}

// Fail ends the stream with a transport error (OnError).
func (s *ScriptedStream) Fail(err error) error {
	return s.send(scriptedFrame{kind: frameFail, err: err})
}

func (s *ScriptedStream) send(f scriptedFrame) error {
	f.ack = make(chan bool, 1)
	select {
	case s.frames <- f:
	case <-s.handle.Done():
		return ErrClosed
	}
	if ok := <-f.ack; !ok {
		return ErrClosed
	}
	return nil
}

func (s *ScriptedStream) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.handle.finish(nil)
			return
		case f := <-s.frames:
			switch f.kind {
			case frameEvent:
				f.ack <- s.handle.deliver(f.evt)
			case frameFinish:
				s.handle.finish(nil)
				f.ack <- true
				return
			case frameFail:
				s.handle.finish(f.err)
				f.ack <- true
				return
			}
		}
	}
}
