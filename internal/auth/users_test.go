// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annihilater/net-relay/internal/clock"
)

const testPassword = "correct horse battery staple 99"

func TestAdd_RejectsDuplicateAndWeakPassword(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, "first admin"))
	assert.True(t, s.HasUsers())

	err := s.Add("alice", testPassword, "")
	assert.Error(t, err)

	err = s.Add("bob", "weak", "")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, ""))

	assert.True(t, s.Verify("alice", testPassword))
	assert.False(t, s.Verify("alice", "wrong password entirely"))
	assert.False(t, s.Verify("nobody", testPassword))
}

func TestRemove(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, ""))
	sess, err := s.Login("alice", testPassword)
	require.NoError(t, err)

	require.NoError(t, s.Remove("alice"))
	assert.False(t, s.HasUsers())

	_, err = s.ValidateSession(sess.Token)
	assert.Error(t, err, "removing a user should invalidate its sessions")

	err = s.Remove("alice")
	assert.Error(t, err)
}

func TestList_NeverLeaksHash(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, "desc"))
	users := s.List()
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "desc", users[0].Description)
}

func TestLoginLogoutAndSessionExpiry(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, ""))

	_, err := s.Login("alice", "wrong password entirely")
	assert.Error(t, err)

	sess, err := s.Login("alice", testPassword)
	require.NoError(t, err)

	got, err := s.ValidateSession(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	s.Logout(sess.Token)
	_, err = s.ValidateSession(sess.Token)
	assert.Error(t, err)

	// Idempotent logout.
	s.Logout(sess.Token)
}

func TestValidateSession_Expired(t *testing.T) {
	now := time.Now()
	original := clock.Now
	clock.Now = func() time.Time { return now }
	defer func() { clock.Now = original }()

	s := NewStore()
	require.NoError(t, s.Add("alice", testPassword, ""))
	sess, err := s.Login("alice", testPassword)
	require.NoError(t, err)

	clock.Now = func() time.Time { return now.Add(DefaultSessionTTL + time.Second) }

	_, err = s.ValidateSession(sess.Token)
	assert.Error(t, err)
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := hashPassword(testPassword)
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")
	assert.True(t, verifyPassword(hash, testPassword))
	assert.False(t, verifyPassword(hash, "wrong password entirely"))
}
