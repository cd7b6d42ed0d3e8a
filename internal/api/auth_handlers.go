// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"github.com/Annihilater/net-relay/internal/audit"
)

// requireAuth gates next behind a valid session cookie when
// security.auth_enabled is set. Auth-disabled deployments pass every
// request through unchecked.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Config.SecuritySnapshot().AuthEnabled {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if _, err := s.Users.ValidateSession(cookie.Value); err != nil {
			WriteError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	security := s.Config.SecuritySnapshot()
	if !security.AuthEnabled {
		WriteJSON(w, http.StatusOK, map[string]any{"auth_enabled": false, "authenticated": true})
		return
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]any{"auth_enabled": true, "authenticated": false})
		return
	}
	sess, err := s.Users.ValidateSession(cookie.Value)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]any{"auth_enabled": true, "authenticated": false})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"auth_enabled": true, "authenticated": true, "username": sess.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !BindJSON(w, r, &req) {
		return
	}

	sess, err := s.Users.Login(req.Username, req.Password)
	if err != nil {
		if s.Audit != nil {
			s.Audit.Event(audit.EventLoginFailure, req.Username, "protocol", "api")
		}
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if s.Audit != nil {
		s.Audit.Event(audit.EventLoginSuccess, req.Username, "protocol", "api")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.ExpiresAt,
	})
	WriteJSON(w, http.StatusOK, map[string]any{"username": sess.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.Users.Logout(cookie.Value)
		if s.Audit != nil {
			s.Audit.Event(audit.EventLogout, "", "protocol", "api")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
	WriteJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}
