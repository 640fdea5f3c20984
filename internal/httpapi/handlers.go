// Package httpapi exposes the audit-history engine over HTTP: batch writes,
// filtered listings, per-record diff views and xlsx export.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/entlog/entlog/internal/domain"
	"github.com/entlog/entlog/internal/history"
)

// HistoryService is the engine surface the handlers call.
type HistoryService interface {
	Record(ctx context.Context, entries []domain.PendingLog) (history.RecordResult, error)
	List(ctx context.Context, params history.ListParams) (history.ListResult, error)
	Get(ctx context.Context, id string) (domain.LogHistory, error)
}

// Exporter renders a filtered listing as a downloadable report.
type Exporter interface {
	WriteXLSX(ctx context.Context, w io.Writer, params history.ListParams) error
}

type Handler struct {
	history  HistoryService
	exporter Exporter
	logger   *zap.Logger
}

func NewHandler(historyService HistoryService, exporter Exporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{history: historyService, exporter: exporter, logger: logger}
}

// Register wires the audit endpoints onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/log", h.handleWrite)
	mux.HandleFunc("GET /api/log", h.handleList)
	mux.HandleFunc("GET /api/log/export", h.handleExport)
	mux.HandleFunc("GET /api/log/{id}", h.handleGet)
}

// ServiceResponse is the write-endpoint acknowledgement.
type ServiceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ListResponse is one listing page.
type ListResponse struct {
	Data       []domain.HeaderSummary `json:"data"`
	TotalCount int64                  `json:"totalCount"`
}

// handleWrite accepts a batch of pending audit entries. The batch is accepted
// immediately and persisted in the background; persistence failures are logged
// and never surface to the producer.
func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var entries []domain.PendingLog
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeJSON(w, http.StatusBadRequest, ServiceResponse{
			Success: false,
			Message: fmt.Sprintf("invalid payload: %v", err),
		})
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusOK, ServiceResponse{Success: true})
		return
	}

	go func() {
		result, err := h.history.Record(context.Background(), entries)
		if err != nil {
			h.logger.Error("audit batch failed",
				zap.String("requestId", result.RequestID),
				zap.Error(err))
			return
		}
		h.logger.Info("audit batch persisted",
			zap.String("requestId", result.RequestID),
			zap.Int("persisted", result.Persisted),
			zap.Int("itemErrors", len(result.ItemErrors)+len(result.FieldErrors)))
	}()

	writeJSON(w, http.StatusOK, ServiceResponse{Success: true, Message: "accepted"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.history.List(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result.Data == nil {
		result.Data = []domain.HeaderSummary{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Data: result.Data, TotalCount: result.TotalCount})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-log.xlsx"`)
	if err := h.exporter.WriteXLSX(r.Context(), w, params); err != nil {
		// Headers are committed; all we can do is log.
		h.logger.Error("export failed", zap.Error(err))
	}
}

// listParams parses the shared listing query string: paging, an optional
// subdivision scope, JSON-encoded filter and sort descriptors, request-scoped
// aggregation, and the related-entity backlink triple.
func listParams(r *http.Request) (history.ListParams, error) {
	values := r.URL.Query()
	params := history.ListParams{
		Page: domain.PageRequest{Limit: 10},
	}

	if raw := strings.TrimSpace(values.Get("start")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return params, &domain.ValidationError{Field: "start", Message: "must be a non-negative integer"}
		}
		params.Page.Offset = offset
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return params, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		params.Page.Limit = limit
	}
	if raw := strings.TrimSpace(values.Get("subdivisionId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, &domain.ValidationError{Field: "subdivisionId", Message: "must be an integer"}
		}
		params.SubdivisionID = id
	}
	if raw := strings.TrimSpace(values.Get("filter")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params.Filters); err != nil {
			return params, &domain.ValidationError{Field: "filter", Message: "must be a JSON array of filter descriptors"}
		}
	}
	if raw := strings.TrimSpace(values.Get("sort")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params.Sorts); err != nil {
			return params, &domain.ValidationError{Field: "sort", Message: "must be a JSON array of sort descriptors"}
		}
	}
	params.AggregateByRequest = values.Get("aggregateByRequest") == "true"

	relatedType := strings.TrimSpace(values.Get("relatedEntityTypeCode"))
	relatedKey := strings.TrimSpace(values.Get("relatedFieldKey"))
	relatedID := strings.TrimSpace(values.Get("relatedEntityId"))
	relatedName := strings.TrimSpace(values.Get("relatedEntityName"))
	if relatedType != "" || relatedKey != "" || relatedID != "" || relatedName != "" {
		if relatedType == "" || relatedKey == "" || (relatedID == "" && relatedName == "") {
			return params, &domain.ValidationError{
				Field:   "relatedEntityId",
				Message: "relatedEntityTypeCode, relatedFieldKey and relatedEntityId or relatedEntityName are required together",
			}
		}
		related := &history.RelatedEntity{
			EntityTypeCode: relatedType,
			FieldKey:       relatedKey,
			EntityName:     relatedName,
		}
		if relatedID != "" {
			id, err := strconv.ParseInt(relatedID, 10, 64)
			if err != nil {
				return params, &domain.ValidationError{Field: "relatedEntityId", Message: "must be an integer"}
			}
			related.EntityID = id
		}
		params.Related = related
	}

	return params, nil
}

// writeError maps engine errors onto status codes. Store internals never
// reach the client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, ServiceResponse{Success: false, Message: validation.Error()})
		return
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, ServiceResponse{Success: false, Message: notFound.Error()})
		return
	}
	h.logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ServiceResponse{Success: false, Message: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
