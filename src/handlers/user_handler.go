package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/security"
	"github.com/username/landlordly/backend/src/security/validation"
	"github.com/username/landlordly/backend/src/utils"
)

const minPasswordLength = 8

type UserHandler struct {
	authService *security.AuthService
	db          *sql.DB
}

func NewUserHandler(authService *security.AuthService, db *sql.DB) *UserHandler {
	return &UserHandler{
		authService: authService,
		db:          db,
	}
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	username := validation.CleanText(credentials.Username)
	email := strings.ToLower(strings.TrimSpace(credentials.Email))
	if username == "" {
		utils.SendJSONError(w, "Username is required", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		utils.SendJSONError(w, "A valid email address is required", http.StatusBadRequest)
		return
	}
	if len(credentials.Password) < minPasswordLength {
		utils.SendJSONError(w, "Password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	user := &model.User{Username: username, Email: email}
	if err := user.HashPassword(credentials.Password); err != nil {
		logger.FromContext(r.Context()).Error("Failed to hash password", "error", err)
		utils.SendJSONError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if err := user.CreateUser(r.Context(), h.db); err != nil {
		if errors.Is(err, model.ErrUserExists) {
			utils.SendJSONError(w, "Username or email already exists", http.StatusConflict)
			return
		}
		logger.FromContext(r.Context()).Error("Failed to create user", "username", username, "error", err)
		utils.SendJSONError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	logger.FromContext(r.Context()).Info("User registered", "userID", user.ID, "username", user.Username)
	utils.WriteJSON(w, http.StatusCreated, map[string]string{
		"message": "User registered successfully",
		"id":      user.ID,
	})
}

func (h *UserHandler) LoginUserHandler(w http.ResponseWriter, r *http.Request) {
	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	log := logger.FromContext(r.Context())
	user, err := model.GetUserByUsername(r.Context(), h.db, credentials.Username)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			log.Error("User lookup failed", "username", credentials.Username, "error", err)
		}
		utils.SendJSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	if err := user.CheckPassword(credentials.Password); err != nil {
		log.Info("Password check failed", "userID", user.ID)
		utils.SendJSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	accessToken, err := h.authService.GenerateToken(user.ID)
	if err != nil {
		log.Error("Failed to generate access token", "userID", user.ID, "error", err)
		utils.SendJSONError(w, "Failed to generate access token", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": accessToken,
		"user":         user,
	})
}

// HandleMe returns the authenticated user.
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	user, err := model.GetUserByID(r.Context(), h.db, userID)
	if err != nil {
		utils.SendJSONError(w, "User not found", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, user)
}
