package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

// AdminHandler handles HTTP requests for stream administration.
type AdminHandler struct {
	uc     *usecase.AdminStreamUseCase
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc *usecase.AdminStreamUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger.With("component", "admin_handler")}
}

// HealthCheck is a simple health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// LastSeenHandler serves the most recently processed line.
type LastSeenHandler struct {
	uc     *usecase.LastSeenUseCase
	logger *slog.Logger
}

// NewLastSeenHandler creates a new LastSeenHandler.
func NewLastSeenHandler(uc *usecase.LastSeenUseCase, logger *slog.Logger) *LastSeenHandler {
	return &LastSeenHandler{uc: uc, logger: logger.With("component", "last_seen_handler")}
}

// GetLastSeen returns the last processed line and its parsed report.
// GET /last-seen
func (h *LastSeenHandler) GetLastSeen(w http.ResponseWriter, r *http.Request) {
	last, err := h.uc.Get(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "no line processed yet", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to read last-seen cache", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, last)
}

// GetGroupInfo handles requests to get consumer group info.
// GET /admin/streams/{stream}/groups
func (h *AdminHandler) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")

	groups, err := h.uc.GetGroupInfo(r.Context(), streamName)
	if err != nil {
		h.logger.Error("failed to get group info", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, groups)
}

// GetConsumerInfo handles requests to get consumer info for a group.
// GET /admin/streams/{stream}/groups/{group}/consumers
func (h *AdminHandler) GetConsumerInfo(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	groupName := chi.URLParam(r, "group")

	consumers, err := h.uc.GetConsumerInfo(r.Context(), streamName, groupName)
	if err != nil {
		h.logger.Error("failed to get consumer info", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, consumers)
}

// GetPendingSummary handles requests to get a summary of pending messages.
// GET /admin/streams/{stream}/groups/{group}/pending
func (h *AdminHandler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	groupName := chi.URLParam(r, "group")

	summary, err := h.uc.GetPendingSummary(r.Context(), streamName, groupName)
	if err != nil {
		h.logger.Error("failed to get pending summary", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, summary)
}

// GetPendingMessages handles requests to list pending messages.
// GET /admin/streams/{stream}/groups/{group}/pending/messages?consumer={consumerName}&start={startID}&count={count}
func (h *AdminHandler) GetPendingMessages(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	groupName := chi.URLParam(r, "group")
	consumerName := r.URL.Query().Get("consumer")
	startID := r.URL.Query().Get("start")
	countStr := r.URL.Query().Get("count")

	count, err := parseCount(countStr)
	if err != nil {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return
	}

	messages, err := h.uc.GetPendingMessages(r.Context(), streamName, groupName, consumerName, startID, count)
	if err != nil {
		h.logger.Error("failed to get pending messages", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, messages)
}

// ClaimMessages handles requests to claim pending messages.
// POST /admin/streams/{stream}/groups/{group}/claim
func (h *AdminHandler) ClaimMessages(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	groupName := chi.URLParam(r, "group")

	var payload struct {
		Consumer    string   `json:"consumer"`
		MinIdleTime string   `json:"min_idle_time"`
		MessageIDs  []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	minIdle, err := time.ParseDuration(payload.MinIdleTime)
	if err != nil {
		http.Error(w, "invalid min_idle_time format", http.StatusBadRequest)
		return
	}

	claimed, err := h.uc.ClaimMessages(r.Context(), streamName, groupName, payload.Consumer, minIdle, payload.MessageIDs)
	if err != nil {
		h.logger.Error("failed to claim messages", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, claimed)
}

// AcknowledgeMessages handles requests to acknowledge messages.
// POST /admin/streams/{stream}/groups/{group}/ack
func (h *AdminHandler) AcknowledgeMessages(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	groupName := chi.URLParam(r, "group")

	var payload struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if len(payload.MessageIDs) == 0 {
		http.Error(w, "message_ids cannot be empty", http.StatusBadRequest)
		return
	}

	count, err := h.uc.AcknowledgeMessages(r.Context(), streamName, groupName, payload.MessageIDs...)
	if err != nil {
		h.logger.Error("failed to acknowledge messages", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, map[string]int64{"acknowledged": count})
}

// TrimStream handles requests to trim a stream.
// POST /admin/streams/{stream}/trim
func (h *AdminHandler) TrimStream(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")

	var payload struct {
		MaxLen int64 `json:"maxlen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.MaxLen <= 0 {
		http.Error(w, "maxlen must be a positive integer", http.StatusBadRequest)
		return
	}

	trimmedCount, err := h.uc.TrimStream(r.Context(), streamName, payload.MaxLen)
	if err != nil {
		h.logger.Error("failed to trim stream", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, map[string]int64{"trimmed": trimmedCount})
}

// GetEntries lists raw entries of a stream, typically the dead-letter stream.
// GET /admin/streams/{stream}/entries?start={startID}&count={count}
func (h *AdminHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	streamName := chi.URLParam(r, "stream")
	count, err := parseCount(r.URL.Query().Get("count"))
	if err != nil {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return
	}

	entries, err := h.uc.GetEntries(r.Context(), streamName, r.URL.Query().Get("start"), count)
	if err != nil {
		h.logger.Error("failed to read stream entries", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, entries)
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("count must be a non-negative integer")
	}
	return n, nil
}

func respondWithJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
