// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package socks5 implements the SOCKS5 front-end: RFC 1928 handshake and
// CONNECT, RFC 1929 username/password auth, policy enforcement, and
// upstream dialing before handing the connection off to internal/relay.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/logging"
	"github.com/Annihilater/net-relay/internal/policy"
	"github.com/Annihilater/net-relay/internal/registry"
	"github.com/Annihilater/net-relay/internal/relay"
)

const (
	ver5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	authVersion    = 0x01
	authSuccess    = 0x00
	authFailure    = 0x01

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repNotAllowed          = 0x02
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnectionRefused   = 0x05
	repTTLExpired          = 0x06
	repCommandNotSupported = 0x07
	repAddrNotSupported    = 0x08
)

// DefaultDialTimeout bounds the upstream resolve-and-connect phase.
const DefaultDialTimeout = 10 * time.Second

// DefaultHandshakeTimeout bounds the greeting/auth/request read phase.
const DefaultHandshakeTimeout = 10 * time.Second

// Resolver looks up A/AAAA records for a domain name. Satisfied by
// *DNSResolver; swappable in tests.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// DNSResolver resolves names via github.com/miekg/dns against a
// configured list of upstream servers, falling back to the host's
// default resolver when none are configured.
type DNSResolver struct {
	Upstreams []string
	Timeout   time.Duration
}

// NewDNSResolver builds a resolver that queries the given upstream
// servers (host:port) in order, falling back to the next on failure.
// An empty upstreams list makes Resolve use the system resolver.
func NewDNSResolver(upstreams []string) *DNSResolver {
	return &DNSResolver{Upstreams: upstreams, Timeout: 2 * time.Second}
}

// Resolve queries each configured upstream in turn for A records until one
// returns at least one address; AAAA records are not requested from the
// upstreams. If no upstreams are configured it uses the system resolver,
// which returns both IPv4 and IPv6 addresses.
func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.Upstreams) == 0 {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}

	c := new(dns.Client)
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c.Timeout = timeout

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, up := range r.Upstreams {
		resp, _, err := c.Exchange(msg, up)
		if err != nil {
			lastErr = err
			continue
		}
		var ips []net.IP
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no address found for %s", host)
}

// Server is the SOCKS5 listener.
type Server struct {
	Registry    *registry.Registry
	Config      *config.State
	Users       *auth.Store
	Audit       *audit.Logger
	Logger      *logging.Logger
	Resolver    Resolver
	IdleTimeout time.Duration
	DialTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Server. logger may be nil. The resolver's upstream
// servers are taken from cfg's current server settings at construction
// time; changing them later requires a restart, same as the listen
// ports.
func New(reg *registry.Registry, cfg *config.State, users *auth.Store, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	var upstreams []string
	if cfg != nil {
		upstreams = cfg.ServerSnapshot().DNSUpstreams
	}
	return &Server{
		Registry:    reg,
		Config:      cfg,
		Users:       users,
		Logger:      logger.With("component", "socks5"),
		Resolver:    NewDNSResolver(upstreams),
		IdleTimeout: relay.DefaultIdleTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.Logger.Info("socks5 listening", "addr", addr)

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

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(DefaultHandshakeTimeout))

	security := s.Config.SecuritySnapshot()
	requireAuth := security.AuthEnabled && s.Users != nil && s.Users.HasUsers()

	username, err := s.greet(conn, requireAuth)
	if err != nil {
		s.Logger.Debug("handshake failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	targetHost, targetPort, err := s.readRequest(conn)
	if err != nil {
		s.Logger.Debug("request parse failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	if targetHost == "" {
		_ = conn.Close()
		return
	}

	clientIP := hostOnly(conn.RemoteAddr().String())
	decision := policy.Check(s.Config.PolicySnapshot(), clientIP, targetHost, targetPort, "")
	if !decision.Allowed {
		s.Logger.Info("connection denied", "client", clientIP, "target", targetHost, "reason", decision.Reason)
		if s.Audit != nil {
			s.Audit.Event(audit.EventPolicyDeny, username, "target", targetHost, "reason", decision.Reason)
		}
		_ = s.reply(conn, repNotAllowed, nil)
		_ = conn.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	upstream, bindAddr, rep := s.dial(dialCtx, targetHost, targetPort)
	cancel()
	if rep != repSuccess {
		_ = s.reply(conn, rep, nil)
		_ = conn.Close()
		return
	}

	if err := s.reply(conn, repSuccess, bindAddr); err != nil {
		_ = upstream.Close()
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Time{})

	connRecord := s.Registry.Register(registry.ProtocolSOCKS5, conn.RemoteAddr().String(), targetHost, targetPort, username)
	reason := relay.Copy(ctx, s.Registry, connRecord, conn, upstream, s.idleTimeout())
	s.Registry.Close(connRecord, reason)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return relay.DefaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) dialTimeout() time.Duration {
	if s.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return s.DialTimeout
}

// greet performs the RFC 1928 method negotiation and, if selected, the
// RFC 1929 username/password exchange. Returns the authenticated
// username, or "" if no auth was required.
func (s *Server) greet(conn net.Conn, requireAuth bool) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != ver5 {
		return "", errors.New("unsupported socks version")
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var chosen byte = methodNoAcceptable
	if requireAuth {
		if containsMethod(methods, methodUserPass) {
			chosen = methodUserPass
		}
	} else if containsMethod(methods, methodNoAuth) {
		chosen = methodNoAuth
	}

	if _, err := conn.Write([]byte{ver5, chosen}); err != nil {
		return "", err
	}
	if chosen == methodNoAcceptable {
		return "", errors.New("no acceptable auth method")
	}

	if chosen != methodUserPass {
		return "", nil
	}

	return s.authenticate(conn)
}

func (s *Server) authenticate(conn net.Conn) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != authVersion {
		return "", errors.New("unsupported auth subnegotiation version")
	}
	ulen := int(hdr[1])
	uname := make([]byte, ulen)
	if _, err := io.ReadFull(conn, uname); err != nil {
		return "", err
	}

	plenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, plenBuf); err != nil {
		return "", err
	}
	plen := int(plenBuf[0])
	passwd := make([]byte, plen)
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return "", err
	}

	username := string(uname)
	ok := s.Users != nil && s.Users.Verify(username, string(passwd))
	if !ok {
		_, _ = conn.Write([]byte{authVersion, authFailure})
		if s.Audit != nil {
			s.Audit.Event(audit.EventLoginFailure, username, "protocol", "socks5")
		}
		return "", errors.New("invalid credentials")
	}
	if _, err := conn.Write([]byte{authVersion, authSuccess}); err != nil {
		return "", err
	}
	return username, nil
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// readRequest parses the RFC 1928 request: VER CMD RSV ATYP DST.ADDR DST.PORT.
func (s *Server) readRequest(conn net.Conn) (host string, port int, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return "", 0, err
	}
	if hdr[0] != ver5 {
		return "", 0, errors.New("unsupported socks version")
	}
	cmd := hdr[1]
	atyp := hdr[3]

	if cmd != cmdConnect {
		_ = s.reply(conn, repCommandNotSupported, nil)
		return "", 0, fmt.Errorf("unsupported command 0x%02x", cmd)
	}

	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, err
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err = io.ReadFull(conn, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)
	default:
		_ = s.reply(conn, repAddrNotSupported, nil)
		return "", 0, fmt.Errorf("unsupported address type 0x%02x", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBuf); err != nil {
		return "", 0, err
	}
	port = int(binary.BigEndian.Uint16(portBuf))
	return host, port, nil
}

// dial connects to host:port. A domain target is first resolved through
// s.Resolver and each returned address is tried in turn; if that yields no
// connection, host:port is dialed directly. The final dial error is mapped
// to the closest matching SOCKS5 reply code.
func (s *Server) dial(ctx context.Context, host string, port int) (net.Conn, net.Addr, byte) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{}

	if net.ParseIP(host) == nil && s.Resolver != nil {
		ips, resolveErr := s.Resolver.Resolve(ctx, host)
		if resolveErr == nil && len(ips) > 0 {
			for _, ip := range ips {
				candidate := net.JoinHostPort(ip.String(), strconv.Itoa(port))
				upstream, err := dialer.DialContext(ctx, "tcp", candidate)
				if err == nil {
					return upstream, upstream.LocalAddr(), repSuccess
				}
			}
		}
	}

	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err == nil {
		return upstream, upstream.LocalAddr(), repSuccess
	}
	return nil, nil, mapDialError(err)
}

func mapDialError(err error) byte {
	if err == nil {
		return repGeneralFailure
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return repTTLExpired
	case isConnRefused(err):
		return repConnectionRefused
	case isNoSuchHost(err):
		return repHostUnreachable
	case isNetUnreachable(err):
		return repNetworkUnreachable
	default:
		return repGeneralFailure
	}
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err != nil && opErrContains(opErr, "connection refused")
	}
	return false
}

func isNoSuchHost(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

func isNetUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErrContains(opErr, "network is unreachable") || opErrContains(opErr, "no route to host")
	}
	return false
}

func opErrContains(opErr *net.OpError, substr string) bool {
	if opErr == nil {
		return false
	}
	return containsFold(opErr.Error(), substr)
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// Simple case-sensitive search is sufficient here: net's error strings
	// are always lowercase.
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// reply writes the RFC 1928 reply: VER REP RSV ATYP BND.ADDR BND.PORT.
// bindAddr may be nil, in which case 0.0.0.0:0 is sent.
func (s *Server) reply(conn net.Conn, rep byte, bindAddr net.Addr) error {
	ip := net.IPv4zero
	port := 0
	if bindAddr != nil {
		if tcpAddr, ok := bindAddr.(*net.TCPAddr); ok {
			if v4 := tcpAddr.IP.To4(); v4 != nil {
				ip = v4
			} else {
				ip = tcpAddr.IP
			}
			port = tcpAddr.Port
		}
	}

	atyp := byte(atypIPv4)
	addrBytes := ip.To4()
	if addrBytes == nil {
		atyp = atypIPv6
		addrBytes = ip.To16()
	}

	buf := make([]byte, 0, 6+len(addrBytes))
	buf = append(buf, ver5, rep, 0x00, atyp)
	buf = append(buf, addrBytes...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(port))
	buf = append(buf, portBuf...)

	_, err := conn.Write(buf)
	return err
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
