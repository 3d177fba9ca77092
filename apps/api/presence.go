package main

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type PresenceHandler struct {
	presence PresenceStore
	log      zerolog.Logger
}

func NewPresenceHandler(presence PresenceStore, log zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, log: log}
}

func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Extract channel ID from URL path: /channels/{id}/users
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 4 || pathParts[2] == "" || pathParts[3] != "users" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	channelID := pathParts[2]

	users, err := h.presence.ChannelUsers(r.Context(), channelID)
	if err != nil {
		h.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to fetch presence")
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, users)
}
