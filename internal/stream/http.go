package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/unmodeled-tyler/eigent-sub000/internal/protocol"
)

const maxFrameSize = 4 * 1024 * 1024

// StatusError is returned through OnError when the backend rejects the stream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream http status %d: %s", e.Code, e.Body)
}

// HTTPAdapter consumes SSE or NDJSON step-event streams over HTTP.
type HTTPAdapter struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPAdapter(client *http.Client, logger *slog.Logger) *HTTPAdapter {
	if client == nil {
		// Streams are long-lived; the caller's context bounds them instead of a client timeout.
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPAdapter{client: client, logger: logger}
}

func (a *HTTPAdapter) Open(ctx context.Context, req Request, h Handlers) (*Handle, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, method, strings.TrimSpace(req.URL), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	handle := newHandle(cancel, h)
	go a.run(streamCtx, handle, httpReq)
	return handle, nil
}

func (a *HTTPAdapter) run(ctx context.Context, handle *Handle, req *http.Request) {
	defer handle.cancel()

	res, err := a.client.Do(req)
	if err != nil {
		handle.finish(fmt.Errorf("send request: %w", err))
		return
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		handle.finish(&StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))})
		return
	}

	handle.finish(a.consume(ctx, handle, res.Body))
}

func (a *HTTPAdapter) consume(ctx context.Context, handle *Handle, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		payload := protocol.ParseFrame(scanner.Bytes())
		if len(payload) == 0 {
			continue
		}
		evt, err := protocol.Decode(payload)
		if err != nil {
			a.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(payload))
			continue
		}
		if !handle.deliver(evt) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}
