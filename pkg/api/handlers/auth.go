package handlers

import (
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/TrustInBlood/roster-control/pkg/api/auth"
	apimw "github.com/TrustInBlood/roster-control/pkg/api/middleware"
)

// AuthHandler serves login and token refresh for the single configured
// admin credential.
type AuthHandler struct {
	jwt          *auth.JWTService
	username     string
	passwordHash string
}

// NewAuthHandler creates an auth handler. passwordHash is a bcrypt hash.
func NewAuthHandler(jwt *auth.JWTService, username, passwordHash string) *AuthHandler {
	return &AuthHandler{jwt: jwt, username: username, passwordHash: passwordHash}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	if req.Username != h.username ||
		bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(req.Password)) != nil {
		WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}

	pair, err := h.jwt.GenerateTokenPair(req.Username, "admin")
	if err != nil {
		InternalError(w, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	claims, err := h.jwt.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid refresh token")
		return
	}

	pair, err := h.jwt.GenerateTokenPair(claims.Username, claims.Role)
	if err != nil {
		InternalError(w, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(pair))
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := apimw.GetClaimsFromContext(r.Context())
	if claims == nil {
		WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"username": claims.Username,
		"role":     claims.Role,
	}))
}
