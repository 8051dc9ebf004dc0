package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/status"
)

const maxUploadBytes = 32 << 20

// OwnerFeed streams status events for all of an owner's documents.
type OwnerFeed interface {
	WatchOwner(ctx context.Context, owner uuid.UUID) (<-chan status.Event, error)
}

type DocumentHandler struct {
	svc      *document.Service
	push     status.Watcher
	poll     status.Watcher
	feed     OwnerFeed
	upgrader websocket.Upgrader
}

func NewDocumentHandler(svc *document.Service, push, poll status.Watcher, feed OwnerFeed) *DocumentHandler {
	return &DocumentHandler{
		svc:  svc,
		push: push,
		poll: poll,
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS middleware already decides which origins may call the API
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		badRequest(w, "read upload")
		return
	}
	if len(data) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file too large"})
		return
	}

	doc, err := h.svc.Upload(r.Context(), document.UploadRequest{
		Owner:       owner,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)

	docs, err := h.svc.List(r.Context(), owner, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	doc, err := h.svc.Get(r.Context(), owner, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), owner, id); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := h.svc.Reprocess(r.Context(), owner, id); err != nil {
		writeError(w, r, err)
		return
	}

	ev, err := h.svc.Status(r.Context(), owner, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	ev, err := h.svc.Status(r.Context(), owner, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Events streams status changes as SSE until the document reaches a
// terminal state. mode=poll re-reads the stored status instead of following
// the broadcast feed.
func (h *DocumentHandler) Events(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Get(r.Context(), owner, id); err != nil {
		writeError(w, r, err)
		return
	}

	watcher := h.push
	if r.URL.Query().Get("mode") == "poll" {
		watcher = h.poll
	}
	stream, ok := newSSE(w)
	if !ok {
		return
	}

	events, err := watcher.Watch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for ev := range events {
		if err := stream.send("status", ev); err != nil {
			return
		}
	}
}

// Feed upgrades to a websocket that receives every status event for the
// caller's documents.
func (h *DocumentHandler) Feed(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the feed is one-way; reading only notices when the client goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, err := h.feed.WatchOwner(ctx, owner)
	if err != nil {
		slog.Warn("open status feed", "owner_id", owner, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status feed unavailable"))
		return
	}
	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
