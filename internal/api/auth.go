package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/microscope-core/internal/auth"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is returned by POST /auth/login.
type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        auth.Role `json:"role"`
}

// identity is returned by GET /auth/me.
type identity struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Role        auth.Role         `json:"role"`
	Permissions []auth.Permission `json:"permissions"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.users.Authenticate(creds.Username, creds.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("login rejected", "username", creds.Username, "remote", r.RemoteAddr)
		writeUnauthorized(w, "invalid credentials")
		return
	case err != nil:
		s.writeDeviceError(w, r, err)
		return
	}

	token, expires, err := auth.IssueAccessToken(user, s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}

	s.logger.Info("login", "username", user.Username, "role", user.Role)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		ExpiresAt:   expires,
		Role:        user.Role,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, identity{
		ID:          c.Subject,
		Username:    c.Username,
		Role:        c.Role,
		Permissions: auth.PermissionsForRole(c.Role),
	})
}

// handleWSTicket issues a ticket for GET /ws?ticket=...
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(c.Subject, c.Role),
		"expires_in": int(ticketTTL.Seconds()),
	})
}
