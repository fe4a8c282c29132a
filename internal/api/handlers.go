package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/models"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/storage"
	"github.com/iohc-gateway/iohc-gateway-pro/pkg/crypto"
)

// HandleHealth reports service liveness
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// HandleLogin authenticates a user and issues a token pair
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	if !user.IsActive || !crypto.VerifyPassword(req.Password, user.PasswordHash) {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

// HandleRefresh exchanges a refresh token for a new token pair
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := s.auth.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || !user.IsActive {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

// HandleListUsers returns the admin users
func (s *RESTServer) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}

	users, err := s.store.ListUsers(r.Context(), 100, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list users failed")
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

// HandleCreateUser creates an admin user
func (s *RESTServer) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history store disabled")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"isAdmin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "hash failed")
		return
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: hash,
		IsAdmin:      req.IsAdmin,
		IsActive:     true,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, http.StatusConflict, "create user failed")
		return
	}

	s.writeJSON(w, http.StatusCreated, user)
}
