package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"foodrescue.org/internal/hub"
)

// Stream serves the Server-Sent Events feed of donation lifecycle events.
// Each connection is one hub session. The hub keeps no history, so a client
// that reconnects must re-fetch /v1/donations before trusting the stream.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session := a.hub.Register()
	defer a.hub.Close(session.ID)

	// First frame tells the client its session id for heartbeats.
	hello, _ := json.Marshal(map[string]string{"session_id": session.ID})
	_, _ = w.Write([]byte("event: session\ndata: "))
	_, _ = w.Write(hello)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-session.Events():
			if !open {
				// Closed by the hub (stale heartbeat or backpressure).
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (a *API) handleStreamResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/stream/")
	if !strings.HasSuffix(path, "/heartbeat") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	sessionID := strings.TrimSuffix(path, "/heartbeat")
	sessionID = strings.TrimSuffix(sessionID, "/")
	if sessionID == "" {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}

	if err := a.hub.Heartbeat(sessionID); err != nil {
		if errors.Is(err, hub.ErrUnknownSession) {
			// Gone sessions mean the client must reconnect and re-fetch.
			writeError(w, r, http.StatusNotFound, "session not found, reconnect and re-fetch state")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
