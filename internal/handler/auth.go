package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/branchtalk/internal/auth"
	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
	"github.com/google/uuid"
)

type AuthHandler struct {
	users    UserStore
	secret   []byte
	tokenTTL time.Duration
}

func NewAuthHandler(users UserStore, secret []byte, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{users: users, secret: secret, tokenTTL: tokenTTL}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string           `json:"token"`
	User  model.UserPublic `json:"user"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if len(req.Username) < 3 {
		writeError(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.Errorf("register hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "email or username already taken")
			return
		}
		logger.Errorf("register create user: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	token, err := auth.IssueToken(h.secret, u.ID, h.tokenTTL)
	if err != nil {
		logger.Errorf("register issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: u.ToPublic()})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logger.Errorf("login get user: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}
	if !u.IsActive || !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.IssueToken(h.secret, u.ID, h.tokenTTL)
	if err != nil {
		logger.Errorf("login issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: u.ToPublic()})
}
