// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds net-relay's single mutable runtime configuration:
// access control, security (auth toggle), and server (listen) settings.
// It is a single value guarded by one RWMutex, read under short RLocks
// by the data plane and mutated under short Locks by the management API.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Annihilater/net-relay/internal/errors"
	"github.com/Annihilater/net-relay/internal/policy"
)

// Server holds listen settings. Changing the ports is persisted but never
// rebinds the already-running listeners — a changed port only takes
// effect on the next restart.
type Server struct {
	// Host interface the three listeners bind to.
	// @default: "0.0.0.0"
	Host string `toml:"host" json:"host"`
	// SOCKS5 listen port.
	// @default: 1080
	SOCKSPort int `toml:"socks_port" json:"socks_port"`
	// HTTP proxy listen port.
	// @default: 8080
	HTTPPort int `toml:"http_port" json:"http_port"`
	// Management API listen port.
	// @default: 8088
	APIPort int `toml:"api_port" json:"api_port"`
	// DNSUpstreams, if non-empty, are the "host:port" DNS servers the
	// SOCKS5 resolver queries directly instead of going through the
	// system resolver. Useful when the host's default resolver is slow,
	// filtered, or unavailable to the proxy process. If none of the
	// addresses they return can be reached, the SOCKS5 server still
	// dials the name directly through the system resolver.
	// @default: []
	DNSUpstreams []string `toml:"dns_upstreams" json:"dns_upstreams"`
}

// Logging holds the log level.
type Logging struct {
	// Level is one of debug/info/warn/error.
	// @default: "info"
	Level string `toml:"level" json:"level"`
}

// Security gates proxy and management-API authentication. Users live in
// internal/auth.Store, not here — this struct only carries the toggle.
type Security struct {
	// AuthEnabled gates both proxy authentication and the management API.
	// @default: false
	AuthEnabled bool `toml:"auth_enabled" json:"auth_enabled"`
}

// AccessControl is the on-disk shape of policy.Policy.
type AccessControl struct {
	AllowByDefault bool          `toml:"allow_by_default" json:"allow_by_default"`
	IPBlacklist    []string      `toml:"ip_blacklist" json:"ip_blacklist"`
	IPWhitelist    []string      `toml:"ip_whitelist" json:"ip_whitelist"`
	Rules          []policy.Rule `toml:"rules" json:"rules"`
}

// File is the full on-disk document.
type File struct {
	Server        Server        `toml:"server" json:"server"`
	Logging       Logging       `toml:"logging" json:"logging"`
	Security      Security      `toml:"security" json:"security"`
	AccessControl AccessControl `toml:"access_control" json:"access_control"`
}

// Default returns the default configuration: every field has a usable
// zero-config value.
func Default() File {
	return File{
		Server: Server{
			Host:         "0.0.0.0",
			SOCKSPort:    1080,
			HTTPPort:     8080,
			APIPort:      8088,
			DNSUpstreams: []string{},
		},
		Logging: Logging{Level: "info"},
		Security: Security{AuthEnabled: false},
		AccessControl: AccessControl{
			AllowByDefault: true,
			IPBlacklist:    []string{},
			IPWhitelist:    []string{},
			Rules:          []policy.Rule{},
		},
	}
}

// State is the thread-safe, mutable holder the rest of the process reads
// and mutates through. It owns an optional on-disk path for persistence.
type State struct {
	mu   sync.RWMutex
	file File
	path string
}

// NewState builds a State seeded with the given file and, if path is
// non-empty, persists future mutations to it.
func NewState(file File, path string) *State {
	return &State{file: file, path: path}
}

// Load reads a TOML file at path, rejecting unknown keys so a typo in the
// file surfaces immediately instead of silently falling back to a default,
// and returns a State backed by it. If the file does not exist, defaults
// are used and path is remembered for the first Save.
func Load(path string) (*State, error) {
	file := Default()
	if path == "" {
		return NewState(file, ""), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(file, path), nil
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "reading config file %s", path)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing config file %s", path)
	}

	applyDefaults(&file)
	return NewState(file, path), nil
}

// applyDefaults fills in zero-valued optional fields so every field in
// File is optional on disk.
func applyDefaults(f *File) {
	d := Default()
	if f.Server.Host == "" {
		f.Server.Host = d.Server.Host
	}
	if f.Server.SOCKSPort == 0 {
		f.Server.SOCKSPort = d.Server.SOCKSPort
	}
	if f.Server.HTTPPort == 0 {
		f.Server.HTTPPort = d.Server.HTTPPort
	}
	if f.Server.APIPort == 0 {
		f.Server.APIPort = d.Server.APIPort
	}
	if f.Logging.Level == "" {
		f.Logging.Level = d.Logging.Level
	}
	if f.Server.DNSUpstreams == nil {
		f.Server.DNSUpstreams = []string{}
	}
	if f.AccessControl.IPBlacklist == nil {
		f.AccessControl.IPBlacklist = []string{}
	}
	if f.AccessControl.IPWhitelist == nil {
		f.AccessControl.IPWhitelist = []string{}
	}
	if f.AccessControl.Rules == nil {
		f.AccessControl.Rules = []policy.Rule{}
	}
}

// Snapshot returns a copy of the full config under a read lock.
func (s *State) Snapshot() File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFile(s.file)
}

// PolicySnapshot returns just the access-control policy, in the shape
// internal/policy.Check consumes.
func (s *State) PolicySnapshot() policy.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ac := s.file.AccessControl
	return policy.Policy{
		AllowByDefault: ac.AllowByDefault,
		IPBlacklist:    append([]string(nil), ac.IPBlacklist...),
		IPWhitelist:    append([]string(nil), ac.IPWhitelist...),
		Rules:          append([]policy.Rule(nil), ac.Rules...),
	}
}

// SecuritySnapshot returns the security toggle.
func (s *State) SecuritySnapshot() Security {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Security
}

// ServerSnapshot returns the server (listen) config.
func (s *State) ServerSnapshot() Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Server
}

// Mutate runs fn with exclusive access to the config, then persists the
// result if a path was configured. fn mutates in place.
func (s *State) Mutate(fn func(*File)) error {
	s.mu.Lock()
	fn(&s.file)
	file := cloneFile(s.file)
	s.mu.Unlock()

	return s.save(file)
}

func (s *State) save(file File) error {
	if s.path == "" {
		return nil
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshaling config")
	}

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, errors.KindInternal, "creating config directory")
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing config file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, errors.KindInternal, "renaming config file")
	}
	return nil
}

func cloneFile(f File) File {
	out := f
	out.Server.DNSUpstreams = cloneSlice(f.Server.DNSUpstreams)
	out.AccessControl.IPBlacklist = cloneSlice(f.AccessControl.IPBlacklist)
	out.AccessControl.IPWhitelist = cloneSlice(f.AccessControl.IPWhitelist)
	out.AccessControl.Rules = cloneSlice(f.AccessControl.Rules)
	return out
}

// cloneSlice copies s, keeping an empty non-nil slice empty and non-nil.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
