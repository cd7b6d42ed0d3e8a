// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/policy"
)

func (s *Server) username(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	sess, err := s.Users.ValidateSession(cookie.Value)
	if err != nil {
		return ""
	}
	return sess.Username
}

func (s *Server) auditConfigChange(r *http.Request, kv ...any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Event(audit.EventConfigChange, s.username(r), kv...)
}

func (s *Server) handleGetAccessControl(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Config.Snapshot().AccessControl)
}

type ipRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAddIPBlacklist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if req.IP == "" {
		WriteError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.AccessControl.IPBlacklist = appendUnique(f.AccessControl.IPBlacklist, req.IP)
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "ip_blacklist_add", "ip", req.IP)
	WriteJSON(w, http.StatusOK, map[string]bool{"added": true})
}

func (s *Server) handleRemoveIPBlacklist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.AccessControl.IPBlacklist = removeString(f.AccessControl.IPBlacklist, req.IP)
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "ip_blacklist_remove", "ip", req.IP)
	WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleAddIPWhitelist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if req.IP == "" {
		WriteError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.AccessControl.IPWhitelist = appendUnique(f.AccessControl.IPWhitelist, req.IP)
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "ip_whitelist_add", "ip", req.IP)
	WriteJSON(w, http.StatusOK, map[string]bool{"added": true})
}

func (s *Server) handleRemoveIPWhitelist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.AccessControl.IPWhitelist = removeString(f.AccessControl.IPWhitelist, req.IP)
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "ip_whitelist_remove", "ip", req.IP)
	WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.Rule
	if !BindJSON(w, r, &rule) {
		return
	}
	if rule.Domain == "" {
		WriteError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.AccessControl.Rules = append(f.AccessControl.Rules, rule)
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "rule_add", "name", rule.Name, "domain", rule.Domain)
	WriteJSON(w, http.StatusOK, map[string]bool{"added": true})
}

type removeRuleRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	var req removeRuleRequest
	if !BindJSON(w, r, &req) {
		return
	}
	removed := false
	if err := s.Config.Mutate(func(f *config.File) {
		filtered := make([]policy.Rule, 0, len(f.AccessControl.Rules))
		for _, rule := range f.AccessControl.Rules {
			if rule.Name == req.Name {
				removed = true
				continue
			}
			filtered = append(filtered, rule)
		}
		f.AccessControl.Rules = filtered
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		WriteError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.auditConfigChange(r, "action", "rule_remove", "name", req.Name)
	WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Config.SecuritySnapshot())
}

type securityRequest struct {
	AuthEnabled bool `json:"auth_enabled"`
}

func (s *Server) handlePutSecurity(w http.ResponseWriter, r *http.Request) {
	var req securityRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if req.AuthEnabled && !s.Users.HasUsers() {
		WriteError(w, http.StatusConflict, "cannot enable auth with no users configured")
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.Security.AuthEnabled = req.AuthEnabled
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "security_update", "auth_enabled", req.AuthEnabled)
	WriteJSON(w, http.StatusOK, s.Config.SecuritySnapshot())
}

type userRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := s.Users.Add(req.Username, req.Password, req.Description); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "user_add", "target_user", req.Username)
	WriteJSON(w, http.StatusOK, map[string]bool{"added": true})
}

type removeUserRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	var req removeUserRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := s.Users.Remove(req.Username); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "user_remove", "target_user", req.Username)
	WriteJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Config.ServerSnapshot())
}

func (s *Server) handlePutServer(w http.ResponseWriter, r *http.Request) {
	var req config.Server
	if !BindJSON(w, r, &req) {
		return
	}
	if err := s.Config.Mutate(func(f *config.File) {
		f.Server = req
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.auditConfigChange(r, "action", "server_update")
	WriteJSON(w, http.StatusOK, map[string]any{
		"server":           s.Config.ServerSnapshot(),
		"requires_restart": true,
	})
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func removeString(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == value {
			continue
		}
		out = append(out, v)
	}
	return out
}
