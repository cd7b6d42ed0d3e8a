// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package socks5

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/registry"
)

func testServer() *Server {
	reg := registry.New(registry.DefaultHistoryCapacity)
	cfg := config.NewState(config.Default(), "")
	users := auth.NewStore()
	return New(reg, cfg, users, nil)
}

func TestGreet_NoAuthRequired(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{ver5, 1, methodNoAuth})
	}()

	done := make(chan struct{})
	var username string
	var err error
	go func() {
		username, err = s.greet(server, false)
		close(done)
	}()

	resp := make([]byte, 2)
	_, rerr := client.Read(resp)
	require.NoError(t, rerr)
	assert.Equal(t, []byte{ver5, methodNoAuth}, resp)

	<-done
	assert.NoError(t, err)
	assert.Empty(t, username)
}

func TestGreet_NoAcceptableMethod(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{ver5, 1, methodUserPass})
	}()

	done := make(chan struct{})
	var err error
	go func() {
		_, err = s.greet(server, false)
		close(done)
	}()

	resp := make([]byte, 2)
	_, rerr := client.Read(resp)
	require.NoError(t, rerr)
	assert.Equal(t, byte(methodNoAcceptable), resp[1])

	<-done
	assert.Error(t, err)
}

func TestAuthenticate_Success(t *testing.T) {
	s := testServer()
	require.NoError(t, s.Users.Add("alice", "correct horse battery staple 99", "test user"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{authVersion, 5}
		req = append(req, []byte("alice")...)
		req = append(req, byte(len("correct horse battery staple 99")))
		req = append(req, []byte("correct horse battery staple 99")...)
		_, _ = client.Write(req)
	}()

	done := make(chan struct{})
	var username string
	var err error
	go func() {
		username, err = s.authenticate(server)
		close(done)
	}()

	resp := make([]byte, 2)
	_, rerr := client.Read(resp)
	require.NoError(t, rerr)
	assert.Equal(t, byte(authSuccess), resp[1])

	<-done
	assert.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	s := testServer()
	require.NoError(t, s.Users.Add("alice", "correct horse battery staple 99", "test user"))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{authVersion, 5}
		req = append(req, []byte("alice")...)
		req = append(req, byte(len("wrong-password")))
		req = append(req, []byte("wrong-password")...)
		_, _ = client.Write(req)
	}()

	done := make(chan struct{})
	var err error
	go func() {
		_, err = s.authenticate(server)
		close(done)
	}()

	resp := make([]byte, 2)
	_, rerr := client.Read(resp)
	require.NoError(t, rerr)
	assert.Equal(t, byte(authFailure), resp[1])

	<-done
	assert.Error(t, err)
}

func TestReadRequest_IPv4(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{ver5, cmdConnect, 0x00, atypIPv4, 93, 184, 216, 34, 0x01, 0xbb}
		_, _ = client.Write(req)
	}()

	host, port, err := s.readRequest(server)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", host)
	assert.Equal(t, 443, port)
}

func TestReadRequest_Domain(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	domain := "example.com"
	go func() {
		req := []byte{ver5, cmdConnect, 0x00, atypDomain, byte(len(domain))}
		req = append(req, []byte(domain)...)
		req = append(req, 0x00, 0x50)
		_, _ = client.Write(req)
	}()

	host, port, err := s.readRequest(server)
	require.NoError(t, err)
	assert.Equal(t, domain, host)
	assert.Equal(t, 80, port)
}

func TestReadRequest_UnsupportedCommand(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := []byte{ver5, 0x02 /* BIND */, 0x00, atypIPv4, 1, 1, 1, 1, 0x00, 0x50}
		_, _ = client.Write(req)
		buf := make([]byte, 10)
		_, _ = client.Read(buf)
	}()

	_, _, err := s.readRequest(server)
	assert.Error(t, err)
}

func TestReply_EncodesIPv4(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1080}
	go func() {
		_ = s.reply(server, repSuccess, addr)
	}()

	buf := make([]byte, 10)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, byte(ver5), buf[0])
	assert.Equal(t, byte(repSuccess), buf[1])
	assert.Equal(t, byte(atypIPv4), buf[3])
	assert.Equal(t, net.ParseIP("10.0.0.5").To4(), net.IP(buf[4:8]))
}

func TestReply_NilAddrUsesZero(t *testing.T) {
	s := testServer()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = s.reply(server, repNotAllowed, nil)
	}()

	buf := make([]byte, 10)
	_, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(repNotAllowed), buf[1])
	assert.Equal(t, net.IPv4zero.To4(), net.IP(buf[4:8]))
}

func TestMapDialError(t *testing.T) {
	assert.Equal(t, byte(repGeneralFailure), mapDialError(nil))
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "192.168.1.1", hostOnly("192.168.1.1:54321"))
	assert.Equal(t, "not-an-addr", hostOnly("not-an-addr"))
}
