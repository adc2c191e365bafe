package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	apiContext "notifications/internal/api/context"
	"notifications/internal/engine/history"
	"notifications/internal/pkg/errors"
	"notifications/internal/platform/database"
	"notifications/internal/platform/models"
)

// maxBodyBytes bounds request bodies on the history routes.
const maxBodyBytes = 1 << 20

type HistoryHandler struct {
	ledger *history.Ledger
	logger zerolog.Logger
}

func NewHistoryHandler(ledger *history.Ledger, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{ledger: ledger, logger: logger}
}

type createHistoryRequest struct {
	ID              string              `json:"id"`
	EventID         string              `json:"event_id"`
	EndpointID      *string             `json:"endpoint_id"`
	EndpointType    models.EndpointType `json:"endpoint_type"`
	EndpointSubType string              `json:"endpoint_sub_type"`
}

func (h *HistoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createHistoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	record := &models.NotificationHistory{
		ID:              req.ID,
		EventID:         req.EventID,
		EndpointID:      req.EndpointID,
		EndpointType:    req.EndpointType,
		EndpointSubType: req.EndpointSubType,
	}
	if err := h.ledger.Create(r.Context(), record); err != nil {
		if database.IsUniqueViolation(err) {
			errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "History already exists", map[string]string{"id": req.ID})
			return
		}
		h.writeLedgerError(w, err)
		return
	}

	stored, err := h.ledger.Get(r.Context(), record.ID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, stored)
}

// Outcome patches a history stub with the delivery result. The body is an
// unordered object; numbers are kept exact so durations survive decoding.
func (h *HistoryHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Body must be a JSON object", nil)
		return
	}

	updated, err := h.ledger.Patch(r.Context(), payload)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h *HistoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)

	record, err := h.ledger.Get(r.Context(), params.ByName("history_id"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, record)
}

func (h *HistoryHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)

	endpoint, err := h.ledger.FindEndpointForHistory(r.Context(), params.ByName("history_id"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if endpoint == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "No endpoint for this history", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, endpoint)
}

func (h *HistoryHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, history.ErrInvalidArgument):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, err.Error(), nil)
	case stderrors.Is(err, history.ErrNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, err.Error(), nil)
	case stderrors.Is(err, history.ErrAlreadyPatched):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, err.Error(), nil)
	case stderrors.Is(err, history.ErrConsistency):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConsistency, err.Error(), nil)
	default:
		h.logger.Error().Err(err).Msg("history request failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
	}
}
