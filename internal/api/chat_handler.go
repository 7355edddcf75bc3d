package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/internal/metrics"
	relayerrors "github.com/openchat-hq/keyrelay/pkg/errors"
	"github.com/openchat-hq/keyrelay/pkg/types"
)

// sseSink frames dispatched events as server-sent events. Headers are
// written lazily so failures before the first event can still produce a
// JSON error response.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Send(ev types.Event) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Chat handles POST /v1/chat requests by streaming the model response
// as server-sent events.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limitedReader := io.LimitReader(r.Body, h.maxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		h.writeError(w, relayerrors.NewInvalidRequest("failed to read request body"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	if int64(len(body)) > h.maxBodySize {
		h.writeError(w, relayerrors.NewInvalidRequest("request body too large"))
		return
	}

	var req types.ChatRequest
	if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
		h.writeError(w, relayerrors.NewInvalidRequest("invalid JSON: "+unmarshalErr.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, relayerrors.NewInternal("streaming not supported"))
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	dispatchErr := h.engine.Dispatch(r.Context(), &req, sink)
	latency := time.Since(start)

	if dispatchErr != nil {
		if !sink.started {
			metrics.RecordRequest(req.Model, "error", latency)
			h.writeError(w, dispatchErr)
			return
		}
		// Headers and partial content are already out; the stream just
		// ends. The caller sees a truncated response.
		h.logger.Warn("chat stream ended early",
			"model", req.Model, "error", dispatchErr)
		metrics.RecordRequest(req.Model, "interrupted", latency)
		return
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
	metrics.RecordRequest(req.Model, "ok", latency)
}

// NewChat handles POST /v1/chats. The front-end calls it once per
// started conversation so the chat counter tracks conversations, not
// messages.
func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	if err := h.stats.IncrementChats(r.Context()); err != nil {
		h.writeError(w, relayerrors.NewStoreUnavailable("stats unavailable"))
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}
