package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/service"
)

type contextKey struct{ name string }

// WatchIDContextKey carries the watch a request touched, for request logging.
var WatchIDContextKey = &contextKey{name: "watch_id"}

const (
	reportGenerationTimeout = 30 * time.Second
	maxBodyBytes            = 1 << 20
	maxReportWatches        = 100
	wsWriteTimeout          = 10 * time.Second
)

type StartWatchRequest struct {
	ResourceID string `json:"resource_id"`
	TaskID     string `json:"task_id"`
}

type WatchListResponse struct {
	Watches []*domain.WatchRecord `json:"watches"`
	Total   int                   `json:"total"`
}

type ReportRequest struct {
	WatchIDs []string `json:"watch_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	svc      *service.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register mounts the watch routes on mux, each wrapped by wrap.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /watches", wrap(http.HandlerFunc(h.StartWatch)))
	mux.Handle("GET /watches", wrap(http.HandlerFunc(h.ListWatches)))
	mux.Handle("GET /watches/{id}", wrap(http.HandlerFunc(h.GetWatch)))
	mux.Handle("DELETE /watches/{id}", wrap(http.HandlerFunc(h.StopWatch)))
	mux.Handle("POST /watches/{id}/refresh", wrap(http.HandlerFunc(h.RefreshWatch)))
	mux.Handle("GET /watches/{id}/events", wrap(http.HandlerFunc(h.WatchEvents)))
	mux.Handle("POST /report", wrap(http.HandlerFunc(h.Report)))
}

func (h *Handler) StartWatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req StartWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}

	rec, err := h.svc.Start(domain.TaskHandle{ResourceID: req.ResourceID, TaskID: req.TaskID})
	if err != nil {
		h.writeError(w, err)
		return
	}
	tagWatch(r, rec.ID)
	w.Header().Set("Location", "/watches/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ListWatches(w http.ResponseWriter, r *http.Request) {
	recs := h.svc.List()
	writeJSON(w, http.StatusOK, WatchListResponse{Watches: recs, Total: len(recs)})
}

func (h *Handler) GetWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tagWatch(r, id)
	rec, err := h.svc.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tagWatch(r, id)
	if err := h.svc.Stop(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RefreshWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tagWatch(r, id)
	if err := h.svc.Refresh(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// WatchEvents upgrades to a websocket and streams the watch's events as JSON
// text messages until the watch finishes or the peer goes away.
func (h *Handler) WatchEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tagWatch(r, id)
	events, cancel, err := h.svc.Subscribe(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("watch_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	// the read loop only notices the peer closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch finished"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.String("watch_id", id), zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if len(req.WatchIDs) == 0 || len(req.WatchIDs) > maxReportWatches {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "watch_ids must hold 1 to 100 ids"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reportGenerationTimeout)
	defer cancel()

	data, err := h.svc.GenerateReport(ctx, req.WatchIDs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			http.Error(w, "report generation timeout", http.StatusGatewayTimeout)
			return
		}
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=report.pdf")
	_, _ = w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidHandle):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrWatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrWatchFinished):
		status = http.StatusConflict
	case errors.Is(err, service.ErrTooManyWatches):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// tagWatch exposes the watch id to the logging middleware wrapping this request.
func tagWatch(r *http.Request, id string) {
	*r = *r.WithContext(context.WithValue(r.Context(), WatchIDContextKey, id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
