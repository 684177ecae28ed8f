package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	errs   []error
	closes int
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(evt protocol.Event) {
			r.mu.Lock()
			r.events = append(r.events, evt)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not finish in time")
	}
}

func (r *recorder) snapshot() ([]protocol.Event, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...), append([]error(nil), r.errs...), r.closes
}

func TestHTTPAdapterDeliversFramesInOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"step\":\"confirmed\",\"data\":{\"question\":\"hi\"}}\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, "data: {\"step\":\"activate_agent\",\"data\":{\"agent_name\":\"a\"}}\n\n")
		fmt.Fprint(w, "data: {\"step\":\"end\",\"data\":\"done\"}\n\n")
	}))
	defer ts.Close()

	rec := newRecorder()
	adapter := NewHTTPAdapter(nil, nil)
	handle, err := adapter.Open(context.Background(), Request{Method: http.MethodPost, URL: ts.URL, Body: map[string]string{"question": "hi"}}, rec.handlers())
	require.NoError(t, err)
	rec.wait(t)

	events, errs, closes := rec.snapshot()
	require.Empty(t, errs)
	assert.Equal(t, 1, closes)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.Confirmed{Question: "hi"}, events[0])
	assert.Equal(t, protocol.StepActivateAgent, events[1].StepName())
	assert.Equal(t, protocol.End{Summary: "done"}, events[2])
	assert.True(t, handle.Closed())
}

func TestHTTPAdapterReportsStatusErrorOnce(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	rec := newRecorder()
	_, err := NewHTTPAdapter(nil, nil).Open(context.Background(), Request{URL: ts.URL}, rec.handlers())
	require.NoError(t, err)
	rec.wait(t)

	_, errs, closes := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Zero(t, closes)
	var statusErr *StatusError
	require.True(t, errors.As(errs[0], &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestHTTPAdapterCloseStopsDelivery(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"step\":\"confirmed\",\"data\":{\"question\":\"q\"}}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	got := make(chan protocol.Event, 4)
	rec := newRecorder()
	h := rec.handlers()
	h.OnEvent = func(evt protocol.Event) { got <- evt }
	handle, err := NewHTTPAdapter(nil, nil).Open(context.Background(), Request{URL: ts.URL}, h)
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("first event not delivered")
	}
	handle.Close()
	handle.Close()

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not exit after Close")
	}
	_, errs, closes := rec.snapshot()
	assert.Empty(t, errs, "a caller close is not a transport error")
	assert.Zero(t, closes)
}

func TestScriptedAdapterManualStream(t *testing.T) {
	adapter := NewScriptedAdapter(nil, 0)
	rec := newRecorder()
	handle, err := adapter.Open(context.Background(), Request{URL: "/chat"}, rec.handlers())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := adapter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "/chat", s.Request.URL)

	require.NoError(t, s.Emit(protocol.Confirmed{Question: "q"}))
	handle.Close()
	assert.ErrorIs(t, s.Emit(protocol.End{Summary: "x"}), ErrClosed)

	events, _, _ := rec.snapshot()
	require.Len(t, events, 1)
}

func TestScriptedAdapterPlaysScript(t *testing.T) {
	adapter := NewScriptedAdapter(MockScript, 0)
	rec := newRecorder()
	_, err := adapter.Open(context.Background(), Request{URL: "/chat", Body: promptBody("Build a calculator app")}, rec.handlers())
	require.NoError(t, err)
	rec.wait(t)

	events, errs, closes := rec.snapshot()
	require.Empty(t, errs)
	assert.Equal(t, 1, closes)
	require.NotEmpty(t, events)
	assert.Equal(t, protocol.Confirmed{Question: "Build a calculator app"}, events[0])
	assert.Equal(t, protocol.StepEnd, events[len(events)-1].StepName())
	assert.Len(t, adapter.Requests(), 1)
}

func TestScriptedAdapterFailOpens(t *testing.T) {
	adapter := NewScriptedAdapter(nil, 0)
	boom := errors.New("boom")
	adapter.FailOpens(boom)
	_, err := adapter.Open(context.Background(), Request{URL: "/chat"}, Handlers{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, adapter.Requests())
}

type promptBody string

func (p promptBody) Prompt() string { return string(p) }
