package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mindgauge/backend/internal/auth"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/ratelimit"
)

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	BirthYear      int    `json:"birth_year,omitempty"`
	EducationLevel string `json:"education_level,omitempty"`
	Country        string `json:"country,omitempty"`
	Region         string `json:"region,omitempty"`
}

// userView is the public projection of an account. The password hash
// and revocation epoch never leave the server.
type userView struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	BirthYear      int       `json:"birth_year,omitempty"`
	EducationLevel string    `json:"education_level,omitempty"`
	Country        string    `json:"country,omitempty"`
	Region         string    `json:"region,omitempty"`
	PushEnabled    bool      `json:"push_enabled"`
	CreatedAt      time.Time `json:"created_at"`
}

func viewUser(u *domain.User) userView {
	return userView{
		ID:             u.ID,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		BirthYear:      u.BirthYear,
		EducationLevel: u.EducationLevel,
		Country:        u.Country,
		Region:         u.Region,
		PushEnabled:    u.PushEnabled,
		CreatedAt:      u.CreatedAt,
	}
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	User         userView `json:"user"`
}

func tokenView(res *auth.LoginResult) tokenResponse {
	return tokenResponse{
		AccessToken:  res.Pair.AccessToken,
		RefreshToken: res.Pair.RefreshToken,
		TokenType:    res.Pair.TokenType,
		User:         viewUser(res.User),
	}
}

// meta collects the request forensics the auth service records.
func (s *Server) meta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        ratelimit.TrustedIP(r),
		RequestID: RequestIDFrom(r.Context()),
	}
}

// principal returns the authenticated identity or writes a 401. The
// auth middleware guarantees one on every protected route.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		respondError(w, r, s.logger, domain.Authentication(domain.KeyInvalidToken, "not authenticated"))
	}
	return p, ok
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	res, err := s.auth.Register(r.Context(), auth.RegisterInput{
		Email:          req.Email,
		Password:       req.Password,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		BirthYear:      req.BirthYear,
		EducationLevel: req.EducationLevel,
		Country:        req.Country,
		Region:         req.Region,
	}, s.meta(r))
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenView(res))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req.Email, req.Password, s.meta(r))
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenView(res))
}

// handleRefresh exchanges a refresh token for a new pair. The token
// rides in the Authorization header, not the body.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		respondError(w, r, s.logger, domain.Authentication(domain.KeyInvalidToken, "missing refresh token"))
		return
	}
	res, err := s.auth.Refresh(r.Context(), raw, s.meta(r))
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenView(res))
}

// handleLogout revokes the presented access token, plus the refresh
// token when the optional body carries one. An empty body is fine.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "malformed JSON body").WithCause(err))
		return
	}
	if err := s.auth.Logout(r.Context(), p, req.RefreshToken, s.meta(r)); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if err := s.auth.LogoutAll(r.Context(), p, s.meta(r)); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChangePassword rotates the credential. When rotation revokes
// the user's other tokens a fresh pair comes back so this device stays
// signed in; otherwise there is nothing to return.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	pair, err := s.auth.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword, s.meta(r))
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if pair == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		User:         viewUser(p.User),
	})
}

// handleRequestPasswordReset always answers 200 with the same message,
// whatever the address resolves to. Account existence stays private.
func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	s.auth.RequestPasswordReset(r.Context(), req.Email, s.meta(r))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If that email address is registered, a reset link is on its way.",
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if err := s.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword, s.meta(r)); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset."})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewUser(p.User))
}

// handlePushToken registers or clears the device token push delivery
// uses. Disabling keeps the row but stops deliveries.
func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		PushToken string `json:"push_token"`
		Enabled   bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if req.Enabled && req.PushToken == "" {
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "push_token is required when enabled"))
		return
	}
	if err := s.store.SetPushToken(r.Context(), p.UserID, req.PushToken, req.Enabled); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
