package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/chat"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/rag"
)

type ChatHandler struct {
	orch *chat.Orchestrator
}

func NewChatHandler(orch *chat.Orchestrator) *ChatHandler {
	return &ChatHandler{orch: orch}
}

type chatRequest struct {
	SessionID   uuid.UUID   `json:"session_id"`
	Message     string      `json:"message"`
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

type doneEvent struct {
	SessionID uuid.UUID           `json:"session_id"`
	Title     string              `json:"title"`
	Message   *models.ChatMessage `json:"message"`
	Sources   []rag.Passage       `json:"sources"`
}

type errorEvent struct {
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	Error     string    `json:"error"`
}

// Send answers a message as an SSE stream of delta events ending in done or
// error. Failures before the user message is stored are plain JSON errors.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	stream, ok := newSSE(w)
	if !ok {
		return
	}

	res, err := h.orch.Send(r.Context(), chat.Request{
		SessionID:   req.SessionID,
		Owner:       owner,
		Message:     req.Message,
		DocumentIDs: req.DocumentIDs,
	}, deltas(stream))
	h.finish(w, r, stream, res, err)
}

type retryRequest struct {
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

// Retry regenerates an interrupted answer with the same stream format as
// Send.
func (h *ChatHandler) Retry(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req retryRequest
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}
	stream, ok := newSSE(w)
	if !ok {
		return
	}

	res, err := h.orch.Retry(r.Context(), id, owner, req.DocumentIDs, deltas(stream))
	h.finish(w, r, stream, res, err)
}

func deltas(stream *sse) chat.EmitFunc {
	return func(d chat.Delta) error {
		return stream.send("delta", d)
	}
}

func (h *ChatHandler) finish(w http.ResponseWriter, r *http.Request, stream *sse, res *chat.Result, err error) {
	if errors.Is(err, chat.ErrClientGone) {
		return
	}
	if err != nil {
		if res == nil && !stream.started {
			writeError(w, r, err)
			return
		}
		ev := errorEvent{Error: err.Error()}
		if res != nil {
			ev.SessionID = res.Session.ID
			if res.Reply != nil {
				ev.Sequence = res.Reply.Sequence
			}
		}
		stream.send("error", ev)
		return
	}
	stream.send("done", doneEvent{
		SessionID: res.Session.ID,
		Title:     res.Session.Title,
		Message:   res.Reply,
		Sources:   res.Sources,
	})
}

func (h *ChatHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	sessions, err := h.orch.Sessions(r.Context(), owner, limit, max(offset, 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	limit, _ := pageParams(r)

	msgs, err := h.orch.History(r.Context(), id, owner, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}
