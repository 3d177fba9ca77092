package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

func ReadHandler(messages MessageStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		claims, ok := claimsFrom(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req model.ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherUserID == "" {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := messages.MarkRead(r.Context(), claims.UserID, req.OtherUserID); err != nil {
			log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to reset unread count")
			http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
