// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/registry"
)

func testAPIServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(registry.DefaultHistoryCapacity)
	cfg := config.NewState(config.Default(), "")
	users := auth.NewStore()
	return New(reg, cfg, users, audit.New(nil), nil)
}

func TestHandleHealth(t *testing.T) {
	s := testAPIServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestHandleStats_NoAuthRequired(t *testing.T) {
	s := testAPIServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_BlocksWithoutSession(t *testing.T) {
	s := testAPIServer(t)
	require.NoError(t, s.Config.Mutate(func(f *config.File) { f.Security.AuthEnabled = true }))
	require.NoError(t, s.Users.Add("alice", "correct horse battery staple 99", ""))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginLogoutFlow(t *testing.T) {
	s := testAPIServer(t)
	require.NoError(t, s.Config.Mutate(func(f *config.File) { f.Security.AuthEnabled = true }))
	require.NoError(t, s.Users.Add("alice", "correct horse battery staple 99", ""))

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "correct horse battery staple 99"})
	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	loginRec := httptest.NewRecorder()
	s.routes().ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	cookies := loginRec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	statsReq := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	statsReq.AddCookie(cookies[0])
	statsRec := httptest.NewRecorder()
	s.routes().ServeHTTP(statsRec, statsReq)
	assert.Equal(t, http.StatusOK, statsRec.Code)

	logoutReq := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	logoutReq.AddCookie(cookies[0])
	logoutRec := httptest.NewRecorder()
	s.routes().ServeHTTP(logoutRec, logoutReq)
	assert.Equal(t, http.StatusOK, logoutRec.Code)

	afterLogoutReq := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	afterLogoutReq.AddCookie(cookies[0])
	afterLogoutRec := httptest.NewRecorder()
	s.routes().ServeHTTP(afterLogoutRec, afterLogoutReq)
	assert.Equal(t, http.StatusUnauthorized, afterLogoutRec.Code)
}

func TestLogin_WrongPassword(t *testing.T) {
	s := testAPIServer(t)
	require.NoError(t, s.Users.Add("alice", "correct horse battery staple 99", ""))

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAddIPBlacklist(t *testing.T) {
	s := testAPIServer(t)
	body, _ := json.Marshal(ipRequest{IP: "203.0.113.9"})
	req := httptest.NewRequest(http.MethodPost, "/api/config/ip/blacklist", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, s.Config.Snapshot().AccessControl.IPBlacklist, "203.0.113.9")
}

func TestHandleAddRule_RequiresDomain(t *testing.T) {
	s := testAPIServer(t)
	body, _ := json.Marshal(map[string]any{"action": "deny"})
	req := httptest.NewRequest(http.MethodPost, "/api/config/rules", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePutSecurity_RejectsEnableWithoutUsers(t *testing.T) {
	s := testAPIServer(t)
	body, _ := json.Marshal(securityRequest{AuthEnabled: true})
	req := httptest.NewRequest(http.MethodPut, "/api/config/security", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAppendUniqueAndRemoveString(t *testing.T) {
	list := appendUnique(nil, "a")
	list = appendUnique(list, "a")
	assert.Equal(t, []string{"a"}, list)

	list = removeString(list, "a")
	assert.Empty(t, list)
}
