package main

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

func ConversationsHandler(messages MessageStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conversations, err := messages.Conversations(r.Context(), claims.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to list conversations")
			http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
			return
		}
		if conversations == nil {
			conversations = []model.Conversation{}
		}
		writeJSON(w, conversations)
	}
}
