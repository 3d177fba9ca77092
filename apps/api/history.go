package main

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type HistoryHandler struct {
	messages MessageStore
	log      zerolog.Logger
}

func NewHistoryHandler(messages MessageStore, log zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{messages: messages, log: log}
}

// ServeHTTP answers GET /history?channel_id=&limit=&offset= with the page
// oldest first. offset counts back from the newest message.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	channelID := q.Get("channel_id")
	if channelID == "" {
		channelID = "general" // Default to general
	}
	if a, b, ok := model.DMParticipants(channelID); ok && a != claims.UserID && b != claims.UserID {
		http.Error(w, "Unauthorized to read this DM", http.StatusForbidden)
		return
	}

	limit, err := intParam(q.Get("limit"), defaultHistoryLimit)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	messages, err := h.messages.History(r.Context(), channelID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to retrieve history")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, messages)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
