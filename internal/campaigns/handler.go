package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/sms-courier/internal/domain"
	"github.com/bissquit/sms-courier/internal/pkg/ctxlog"
	"github.com/bissquit/sms-courier/internal/pkg/httputil"
	"github.com/bissquit/sms-courier/internal/tabular"
)

// maxUploadBytes caps the size of an uploaded recipient file.
const maxUploadBytes = 16 << 20

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrCampaignNotFound, Status: http.StatusNotFound, Message: "campaign not found"},
	{Error: ErrNoRecipients, Status: http.StatusBadRequest, Message: "no recipients found in upload"},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest, Message: "unknown delivery channel"},
	{Error: ErrNoFailedBatches, Status: http.StatusBadRequest, Message: "no failed batches to retry"},
	{Error: ErrFailedBatchNotFound, Status: http.StatusNotFound, Message: "failed batch record not found"},
	{Error: tabular.ErrNoPhoneColumn, Status: http.StatusBadRequest, Message: "could not detect a phone column in the upload"},
	{Error: tabular.ErrEmptySource, Status: http.StatusBadRequest, Message: "uploaded file is empty"},
}

// Handler handles HTTP requests for the campaigns module.
type Handler struct {
	service   *Service
	feed      *Feed
	renderer  *Renderer
	validator *validator.Validate
}

// NewHandler creates a campaigns handler.
func NewHandler(service *Service, feed *Feed, renderer *Renderer) *Handler {
	return &Handler{
		service:   service,
		feed:      feed,
		renderer:  renderer,
		validator: validator.New(),
	}
}

// RegisterRoutes registers campaign routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/{id}", h.GetCampaign)
		r.Get("/{id}/progress", h.StreamProgress)
		r.Get("/{id}/failed-batches", h.ListFailedBatches)
		r.Post("/{id}/retry", h.RetryCampaign)
	})

	r.Post("/templates/preview", h.PreviewTemplate)
}

// CreateCampaign handles POST /campaigns. Expects a multipart form with
// a tabular "file", a "template" and an optional "channel". Submitting
// identical content again resolves to the existing campaign.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "recipient file is required")
		return
	}
	defer func() { _ = file.Close() }()

	source, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	template := r.FormValue("template")
	if template == "" {
		httputil.Error(w, http.StatusBadRequest, "template is required")
		return
	}

	channel := domain.Channel(r.FormValue("channel"))
	if channel == "" {
		channel = domain.ChannelGeneric
	}

	recipients, err := tabular.Parse(source)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	campaign, err := h.service.Submit(r.Context(), source, recipients, template, channel)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, campaign)
}

// GetCampaign handles GET /campaigns/{id}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, status)
}

// StreamProgress handles GET /campaigns/{id}/progress as an SSE stream
// of progress snapshots. The stream closes itself shortly after the
// campaign reaches a terminal state.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Resolve existence before committing to the stream so the client
	// still gets a proper 404.
	if _, err := h.service.Get(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.feed.Stream(r.Context(), id, &sseEmitter{w: w, flusher: flusher})
	if err != nil && !errors.Is(err, context.Canceled) {
		ctxlog.FromContext(r.Context()).Warn("progress stream ended", "job_id", id, "error", err)
	}
}

// ListFailedBatches handles GET /campaigns/{id}/failed-batches.
func (h *Handler) ListFailedBatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, err := h.service.FailedBatches(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, records)
}

// RetryRequest represents request body for retrying failed batches.
type RetryRequest struct {
	Keys []string `json:"keys"`
}

// RetryCampaign handles POST /campaigns/{id}/retry. An absent body or
// empty key list retries all failed batches.
func (h *Handler) RetryCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	campaign, err := h.service.Retry(r.Context(), id, req.Keys)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, campaign)
}

// PreviewTemplateRequest represents request body for template preview.
type PreviewTemplateRequest struct {
	Template string `json:"template" validate:"required"`
}

// PreviewTemplate handles POST /templates/preview: reports the
// template's placeholder variables and whether dispatch would run in
// personalized mode.
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req PreviewTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]any{
		"variables":    h.renderer.ExtractVariables(req.Template),
		"personalized": h.renderer.HasPlaceholders(req.Template),
	})
}

// sseEmitter adapts the feed's emitter contract to server-sent events.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) Emit(snapshot []byte) error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", snapshot); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) Heartbeat() error {
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
