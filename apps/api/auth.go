package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/workspace-chat/pkg/db"
	"github.com/mahaj/workspace-chat/pkg/model"
)

const minPasswordLen = 8

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req model.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := s.users.ByEmail(r.Context(), email)
	if errors.Is(err, db.ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("login lookup failed")
		http.Error(w, "Failed to log in", http.StatusInternalServerError)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "incorrect password", http.StatusUnauthorized)
		return
	}

	token, err := s.signer.GenerateToken(user.ID, user.Email)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	s.log.Info().Str("user_id", user.ID).Msg("user logged in")
	writeJSON(w, model.LoginResponse{Token: token, Profile: user.Profile})
}

func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req model.Registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = normalizeEmail(req.Email)
	if req.Username == "" || req.Email == "" {
		http.Error(w, "username and email are required", http.StatusBadRequest)
		return
	}
	if len(req.Password) < minPasswordLen {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		http.Error(w, "Failed to register", http.StatusInternalServerError)
		return
	}
	user := db.User{
		Profile: model.Profile{
			ID:          uuid.NewString(),
			Username:    req.Username,
			Email:       req.Email,
			DisplayName: req.DisplayName,
			CreatedAt:   s.now().UTC(),
		},
		PasswordHash: string(hash),
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		if s.conflict(w, err) {
			return
		}
		s.log.Error().Err(err).Msg("register failed")
		http.Error(w, "Failed to register", http.StatusInternalServerError)
		return
	}
	s.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user.Profile)
}

// MeHandler returns (GET) or updates (PUT) the caller's profile.
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := s.users.ByID(r.Context(), claims.UserID)
	if errors.Is(err, db.ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("profile lookup failed")
		http.Error(w, "Failed to load profile", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, user.Profile)
	case http.MethodPut:
		var upd model.ProfileUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if upd.Username != nil {
			user.Username = strings.TrimSpace(*upd.Username)
		}
		if upd.Email != nil {
			user.Email = normalizeEmail(*upd.Email)
		}
		if upd.DisplayName != nil {
			user.DisplayName = *upd.DisplayName
		}
		if user.Username == "" || user.Email == "" {
			http.Error(w, "username and email must not be empty", http.StatusBadRequest)
			return
		}
		if err := s.users.Update(r.Context(), user); err != nil {
			if s.conflict(w, err) {
				return
			}
			s.log.Error().Err(err).Msg("profile update failed")
			http.Error(w, "Failed to update profile", http.StatusInternalServerError)
			return
		}
		writeJSON(w, user.Profile)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) PasswordHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := claimsFrom(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req model.PasswordChange
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		http.Error(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	user, err := s.users.ByID(r.Context(), claims.UserID)
	if err != nil {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
		http.Error(w, "incorrect password", http.StatusBadRequest)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.bcryptCost)
	if err != nil {
		http.Error(w, "Failed to update password", http.StatusInternalServerError)
		return
	}
	if err := s.users.SetPassword(r.Context(), user.ID, string(hash)); err != nil {
		s.log.Error().Err(err).Msg("password update failed")
		http.Error(w, "Failed to update password", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"updated": true})
}

// conflict answers uniqueness violations and reports whether it did.
func (s *Server) conflict(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, db.ErrUsernameTaken):
		http.Error(w, db.ErrUsernameTaken.Error(), http.StatusConflict)
	case errors.Is(err, db.ErrEmailTaken):
		http.Error(w, db.ErrEmailTaken.Error(), http.StatusConflict)
	default:
		return false
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
