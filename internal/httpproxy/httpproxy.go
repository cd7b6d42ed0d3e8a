// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package httpproxy implements the HTTP forward-proxy front-end:
// CONNECT tunneling, absolute-URI request forwarding with hop-by-hop
// header stripping, and Proxy-Authorization basic auth, before handing
// CONNECT tunnels to internal/relay.
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/logging"
	"github.com/Annihilater/net-relay/internal/policy"
	"github.com/Annihilater/net-relay/internal/registry"
	"github.com/Annihilater/net-relay/internal/relay"
)

// DefaultMaxHeaderBytes bounds the request line + header block read.
const DefaultMaxHeaderBytes = 16 * 1024

// DefaultDialTimeout bounds the upstream connect phase.
const DefaultDialTimeout = 10 * time.Second

const proxyRealm = `Basic realm="net-relay"`

// hopByHopHeaders lists headers that apply only to a single hop and must
// never be forwarded.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopByHop(header string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(header)]
	return ok
}

// Server is the HTTP forward-proxy listener.
type Server struct {
	Registry       *registry.Registry
	Config         *config.State
	Users          *auth.Store
	Audit          *audit.Logger
	Logger         *logging.Logger
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	MaxHeaderBytes int

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server. logger may be nil.
func New(reg *registry.Registry, cfg *config.State, users *auth.Store, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		Registry:       reg,
		Config:         cfg,
		Users:          users,
		Logger:         logger.With("component", "httpproxy"),
		IdleTimeout:    relay.DefaultIdleTimeout,
		DialTimeout:    DefaultDialTimeout,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
	}
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.Logger.Info("http proxy listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Logger.Warn("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and waits for in-flight connections to
// drain, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return s.MaxHeaderBytes
}

func (s *Server) dialTimeout() time.Duration {
	if s.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return s.DialTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return relay.DefaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	limited := &headerLimitReader{r: conn, remaining: int64(s.maxHeaderBytes())}
	bufReader := bufio.NewReader(limited)
	req, err := http.ReadRequest(bufReader)
	if err != nil {
		if limited.exceeded {
			s.writeStatus(conn, http.StatusBadRequest, "header too large")
		} else {
			s.writeStatus(conn, http.StatusBadRequest, "bad request")
		}
		return
	}
	limited.release() // header block consumed; body reads are unbounded here

	username, ok := s.checkAuth(req)
	if !ok {
		s.writeProxyAuthRequired(conn)
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, conn, req, username)
		return
	}

	s.handleForward(ctx, conn, req, username)
}

// checkAuth enforces Proxy-Authorization when auth is enabled. Returns
// the authenticated username (empty if auth is disabled).
func (s *Server) checkAuth(req *http.Request) (string, bool) {
	security := s.Config.SecuritySnapshot()
	if !security.AuthEnabled || s.Users == nil || !s.Users.HasUsers() {
		return "", true
	}

	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return "", false
	}

	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", false
	}
	creds := string(decoded)
	idx := strings.IndexByte(creds, ':')
	if idx < 0 {
		return "", false
	}
	username, password := creds[:idx], creds[idx+1:]
	if !s.Users.Verify(username, password) {
		if s.Audit != nil {
			s.Audit.Event(audit.EventLoginFailure, username, "protocol", "http")
		}
		return "", false
	}
	return username, true
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *http.Request, username string) {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		portStr = "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.writeStatus(conn, http.StatusBadRequest, "invalid port")
		return
	}

	clientIP := hostOnly(conn.RemoteAddr().String())
	decision := policy.Check(s.Config.PolicySnapshot(), clientIP, host, port, "")
	if !decision.Allowed {
		if s.Audit != nil {
			s.Audit.Event(audit.EventPolicyDeny, username, "target", host, "reason", decision.Reason)
		}
		s.writeStatus(conn, http.StatusForbidden, decision.Reason)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	dialer := net.Dialer{}
	upstream, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, portStr))
	cancel()
	if err != nil {
		s.writeStatus(conn, http.StatusBadGateway, "connect failed")
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = upstream.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	connRecord := s.Registry.Register(registry.ProtocolHTTP, conn.RemoteAddr().String(), host, port, username)
	reason := relay.Copy(ctx, s.Registry, connRecord, conn, upstream, s.idleTimeout())
	s.Registry.Close(connRecord, reason)
}

// handleForward proxies one absolute-URI request and streams the
// response back, then closes the connection — no keep-alive pipelining.
func (s *Server) handleForward(ctx context.Context, conn net.Conn, req *http.Request, username string) {
	if !req.URL.IsAbs() {
		s.writeStatus(conn, http.StatusBadRequest, "relative URI not supported")
		return
	}

	host := req.URL.Hostname()
	portStr := req.URL.Port()
	if portStr == "" {
		portStr = defaultPortForScheme(req.URL.Scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.writeStatus(conn, http.StatusBadRequest, "invalid port")
		return
	}

	clientIP := hostOnly(conn.RemoteAddr().String())
	decision := policy.Check(s.Config.PolicySnapshot(), clientIP, host, port, req.URL.Path)
	if !decision.Allowed {
		if s.Audit != nil {
			s.Audit.Event(audit.EventPolicyDeny, username, "target", host, "reason", decision.Reason)
		}
		s.writeStatus(conn, http.StatusForbidden, decision.Reason)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	dialer := net.Dialer{}
	upstream, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, portStr))
	cancel()
	if err != nil {
		s.writeStatus(conn, http.StatusBadGateway, "connect failed")
		return
	}
	defer upstream.Close()

	stripHopByHop(req.Header)
	// http.ReadRequest moves Host out of the header map into req.Host;
	// put it back so the upstream receives it.
	req.Header.Set("Host", req.Host)
	req.Header.Set("Connection", "close")

	connRecord := s.Registry.Register(registry.ProtocolHTTP, conn.RemoteAddr().String(), host, port, username)
	defer s.Registry.Close(connRecord, registry.ReasonUpstreamClosed)

	upstreamCounted := &countingWriter{w: upstream}
	if err := writeRequestLine(upstreamCounted, req); err != nil {
		return
	}
	if err := req.Header.Write(upstreamCounted); err != nil {
		return
	}
	if _, err := upstreamCounted.Write([]byte("\r\n")); err != nil {
		return
	}
	if req.Body != nil {
		defer req.Body.Close()
		if _, err := io.Copy(upstreamCounted, req.Body); err != nil {
			return
		}
	}
	s.Registry.AddSent(connRecord, upstreamCounted.n)

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		s.writeStatus(conn, http.StatusBadGateway, "upstream response failed")
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	clientCounted := &countingWriter{w: conn}
	if err := resp.Write(clientCounted); err != nil {
		return
	}
	s.Registry.AddRecv(connRecord, clientCounted.n)
}

// countingWriter tallies bytes written, for registry accounting on
// non-tunneled (absolute-URI) request/response forwarding.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func writeRequestLine(w io.Writer, req *http.Request) error {
	requestURI := req.URL.RequestURI()
	_, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, requestURI)
	return err
}

func stripHopByHop(h http.Header) {
	for key := range h {
		if isHopByHop(key) {
			h.Del(key)
		}
	}
}

func defaultPortForScheme(scheme string) string {
	if strings.EqualFold(scheme, "https") {
		return "443"
	}
	return "80"
}

func (s *Server) writeStatus(conn net.Conn, code int, message string) {
	body := fmt.Sprintf("%d %s\n", code, message)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}

func (s *Server) writeProxyAuthRequired(conn net.Conn) {
	body := "407 Proxy Authentication Required\n"
	fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		proxyRealm, len(body), body)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// headerLimitReader bounds the number of bytes read before release is
// called, guarding against an unbounded header block. Once the header
// block has been parsed, release lifts the limit so the request body
// streams without restriction.
type headerLimitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
	released  bool
}

func (h *headerLimitReader) Read(p []byte) (int, error) {
	if h.released {
		return h.r.Read(p)
	}
	if h.remaining <= 0 {
		h.exceeded = true
		return 0, fmt.Errorf("httpproxy: header block exceeds limit")
	}
	if int64(len(p)) > h.remaining {
		p = p[:h.remaining]
	}
	n, err := h.r.Read(p)
	h.remaining -= int64(n)
	return n, err
}

func (h *headerLimitReader) release() {
	h.released = true
}
