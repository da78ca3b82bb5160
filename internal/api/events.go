package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/linkgate/internal/authlink"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// eventMessage is a frame on the page event stream.
type eventMessage struct {
	Type     string             `json:"type"`
	Snapshot *authlink.Snapshot `json:"snapshot,omitempty"`
}

// Events streams snapshots of a page over a WebSocket until the page is
// closed, reaches a terminal state, or the client disconnects. A "closed"
// frame means no further snapshots follow. Clients may send {"type":"ping"}
// to keep an otherwise idle page alive.
func (h *PageHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := h.pages.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "page not found")
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{h.publicBase.Host}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "page_id", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "page_id", id)
		}
	}()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, id)
	}()

	current := m.Snapshot()
	if err := writeEvent(ctx, ws, eventMessage{Type: "snapshot", Snapshot: &current}); err != nil {
		return
	}
	if current.State.Terminal() {
		endStream(ctx, ws, id)
		return
	}
	last := current.Version

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				endStream(ctx, ws, id)
				return
			}
			if snap.Version <= last {
				continue
			}
			last = snap.Version
			if err := writeEvent(ctx, ws, eventMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
				slog.Debug("WebSocket write error", "error", err, "page_id", id)
				return
			}
			if snap.State.Terminal() {
				endStream(ctx, ws, id)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *PageHandler) readLoop(ctx context.Context, ws *websocket.Conn, id string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "page_id", id)
			}
			return
		}

		var msg eventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			h.pages.Touch(id)
			if err := writeEvent(ctx, ws, eventMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func endStream(ctx context.Context, ws *websocket.Conn, id string) {
	if err := writeEvent(ctx, ws, eventMessage{Type: "closed"}); err != nil {
		slog.Debug("Failed to send closed event", "error", err, "page_id", id)
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, msg eventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
