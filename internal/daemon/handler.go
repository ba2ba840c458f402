package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/api"
	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/internal/usecase"
)

const (
	defaultLogLines = 100
	maxBodyBytes    = 1 << 16
)

// Handler routes API requests to the controller.
type Handler struct {
	ctrl   *usecase.Controller
	stream *ActivityStreamer
	logger *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(ctrl *usecase.Controller, logger *zap.Logger) *Handler {
	return &Handler{
		ctrl:   ctrl,
		stream: NewActivityStreamer(ctrl.Activity(), logger),
		logger: logger,
	}
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/services", h.handleList)
	mux.HandleFunc("POST /v1/services/refresh", h.handleRefresh)
	mux.HandleFunc("GET /v1/services/{name}", h.handleDescribe)
	mux.HandleFunc("GET /v1/services/{name}/status", h.handleStatus)
	mux.HandleFunc("GET /v1/services/{name}/activity", h.handleActivity)
	mux.HandleFunc("GET /v1/services/{name}/logs", h.handleLogs)
	mux.HandleFunc("POST /v1/services/{name}/actions/{action}", h.handleAction)
	mux.HandleFunc("GET /v1/policy", h.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policy", h.handleSetPolicy)
	mux.HandleFunc("GET /v1/activity/stream", h.stream.ServeHTTP)
	return mux
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	services := h.ctrl.ListServices(r.Context())
	views := make([]api.ServiceView, len(services))
	for i, d := range services {
		views[i] = api.ServiceView{ServiceDescriptor: d}
	}

	if withStatus, _ := strconv.ParseBool(r.URL.Query().Get("status")); withStatus {
		statuses := h.ctrl.Statuses(r.Context(), nil)
		for i := range views {
			if st, ok := statuses[views[i].Name]; ok {
				st := st
				views[i].Status = &st
			}
		}
	}
	writeOK(w, "", views)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Refresh(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "registry refreshed", h.ctrl.ListServices(r.Context()))
}

func (h *Handler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	d, err := h.ctrl.Describe(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "", d)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "", st)
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	events, err := h.ctrl.RecentActivity(r.PathValue("name"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "", events)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, api.ErrKindInvalidRequest, "lines must be a positive integer")
			return
		}
		n = parsed
	}
	lines, err := h.ctrl.Logs(r.Context(), r.PathValue("name"), n)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "", lines)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	action, ok := domain.ParseAction(r.PathValue("action"))
	if !ok {
		writeError(w, http.StatusBadRequest, api.ErrKindInvalidRequest, "unsupported action "+strconvQuote(r.PathValue("action")))
		return
	}
	res, err := h.ctrl.Perform(r.Context(), CallerFrom(r.Context()), r.PathValue("name"), action)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, res.Message, res)
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.ctrl.GetPolicy(r.Context(), CallerFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "", p)
}

func (h *Handler) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req api.PolicyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrKindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	p := domain.AuthorizationPolicy{Mode: req.Mode}
	if err := h.ctrl.SetPolicy(r.Context(), CallerFrom(r.Context()), p); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeOK(w, "authorization policy updated", p)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind, code := api.ErrorFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	writeError(w, code, kind, msg)
}

func writeOK(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, api.Response{Status: api.StatusOK, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, api.Response{
		Status: api.StatusError,
		Error:  &api.ErrorBody{Kind: kind, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func strconvQuote(s string) string {
	return strconv.Quote(strings.TrimSpace(s))
}
