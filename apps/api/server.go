package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/auth"
	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/model"
)

type UserStore interface {
	Create(ctx context.Context, u db.User) error
	ByID(ctx context.Context, id string) (db.User, error)
	ByEmail(ctx context.Context, email string) (db.User, error)
	Update(ctx context.Context, u db.User) error
	SetPassword(ctx context.Context, id, hash string) error
}

type MessageStore interface {
	History(ctx context.Context, channelID string, limit, offset int) ([]model.Message, error)
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
	MarkRead(ctx context.Context, userID, otherUserID string) error
}

type PresenceStore interface {
	ChannelUsers(ctx context.Context, channelID string) ([]string, error)
}

type Server struct {
	users      UserStore
	messages   MessageStore
	presence   PresenceStore
	signer     *auth.Signer
	bcryptCost int
	log        zerolog.Logger
	now        func() time.Time
}

func NewServer(users UserStore, messages MessageStore, presence PresenceStore, signer *auth.Signer, bcryptCost int, log zerolog.Logger) *Server {
	return &Server{
		users:      users,
		messages:   messages,
		presence:   presence,
		signer:     signer,
		bcryptCost: bcryptCost,
		log:        log,
		now:        time.Now,
	}
}

// Routes mounts every endpoint. Only login and register are public.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/login", CORSMiddleware(http.HandlerFunc(s.LoginHandler)))
	mux.Handle("/register", CORSMiddleware(http.HandlerFunc(s.RegisterHandler)))

	mux.Handle("/me", CORSMiddleware(s.AuthMiddleware(http.HandlerFunc(s.MeHandler))))
	mux.Handle("/me/password", CORSMiddleware(s.AuthMiddleware(http.HandlerFunc(s.PasswordHandler))))
	mux.Handle("/history", CORSMiddleware(s.AuthMiddleware(NewHistoryHandler(s.messages, s.log))))
	// Route: /channels/{id}/users
	mux.Handle("/channels/", CORSMiddleware(s.AuthMiddleware(NewPresenceHandler(s.presence, s.log))))
	mux.Handle("/conversations", CORSMiddleware(s.AuthMiddleware(ConversationsHandler(s.messages, s.log))))
	mux.Handle("/conversations/read", CORSMiddleware(s.AuthMiddleware(ReadHandler(s.messages, s.log))))
	return mux
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the claims under auth.UserKey.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.BearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := s.signer.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), auth.UserKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	claims, ok := r.Context().Value(auth.UserKey).(*auth.Claims)
	return claims, ok
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
