// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package runtime owns the lifecycle of net-relay's three listeners
// (SOCKS5, HTTP proxy, management API): starting them, tracking their
// first fatal error, and shutting them all down together.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Annihilater/net-relay/internal/logging"
)

// DefaultDrainTimeout bounds how long Run waits for in-flight connections
// to finish once shutdown begins.
const DefaultDrainTimeout = 10 * time.Second

// listener is the subset of internal/socks5.Server, internal/httpproxy.Server
// and internal/api.Server that the Supervisor needs to drive.
type listener interface {
	ListenAndServe(ctx context.Context, addr string) error
	Shutdown(ctx context.Context) error
}

// service pairs a named listener with the address it binds.
type service struct {
	name string
	addr string
	l    listener
}

// Supervisor starts net-relay's listeners each in their own goroutine and
// coordinates a single shutdown across all of them, mirroring the
// signal-driven ctx/cancel shape the proxy command uses for its one
// listener, generalized here to three.
type Supervisor struct {
	logger   *logging.Logger
	services []service

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
}

// New builds an empty Supervisor. logger may be nil.
func New(logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{logger: logger.With("component", "runtime")}
}

// Add registers a listener to be started under name, bound to addr.
func (s *Supervisor) Add(name, addr string, l listener) {
	s.services = append(s.services, service{name: name, addr: addr, l: l})
}

// Run starts every registered listener and blocks until ctx is cancelled
// or any listener returns a fatal error, then shuts the rest down. It
// returns the first fatal error encountered, or nil on a clean ctx-driven
// shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, svc := range s.services {
		svc := svc
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("starting listener", "name", svc.name, "addr", svc.addr)
			if err := svc.l.ListenAndServe(runCtx, svc.addr); err != nil {
				s.errOnce.Do(func() {
					s.firstErr = fmt.Errorf("%s: %w", svc.name, err)
				})
				cancel()
			}
		}()
	}

	<-runCtx.Done()
	s.shutdown()
	s.wg.Wait()
	return s.firstErr
}

// shutdown calls Shutdown on every registered listener, logging (rather
// than failing) individual shutdown errors so that one stuck listener
// doesn't block the others from being asked to stop.
func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, svc := range s.services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.l.Shutdown(ctx); err != nil {
				s.logger.Warn("listener shutdown error", "name", svc.name, "error", err)
			}
		}()
	}
	wg.Wait()
}
