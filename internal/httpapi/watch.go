package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

const (
	watchWriteWait  = 10 * time.Second
	watchReadWait   = 120 * time.Second
	watchPingPeriod = 50 * time.Second
)

// handleWatchProject sends the project snapshot, then streams project events over a websocket until the client
// disconnects or the project is removed. Clients only read; inbound frames are
// drained to keep pong handling alive.
func (s *Server) handleWatchProject(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectID")
	snap, err := s.projects.Snapshot(projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.projects.Subscribe(projectID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(watchPingPeriod)
		defer ticker.Stop()

		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		if err := conn.WriteJSON(map[string]any{"type": "snapshot", "project_id": projectID, "snapshot": snap}); err != nil {
			cancel()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					cancel()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
				if err := conn.WriteJSON(evt); err != nil {
					s.logger.Debug("watch write failed", "project_id", projectID, "error", err)
					cancel()
					return
				}
				if evt.Type == project.EventProjectRemoved {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "project removed"),
						time.Now().Add(watchWriteWait))
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(watchReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(watchReadWait))
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	<-ctx.Done()
	<-writerDone
}
