// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command net-relay runs the SOCKS5 and HTTP forward proxy, their shared
// access-control and connection-registry state, and the JSON management
// API, all in a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Annihilater/net-relay/internal/api"
	"github.com/Annihilater/net-relay/internal/audit"
	"github.com/Annihilater/net-relay/internal/auth"
	"github.com/Annihilater/net-relay/internal/config"
	"github.com/Annihilater/net-relay/internal/httpproxy"
	"github.com/Annihilater/net-relay/internal/logging"
	"github.com/Annihilater/net-relay/internal/registry"
	"github.com/Annihilater/net-relay/internal/runtime"
	"github.com/Annihilater/net-relay/internal/socks5"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "", "Path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "net-relay: loading config: %v\n", err)
		return 1
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = cfg.Snapshot().Logging.Level
	}
	logger := logging.New(logging.Options{
		Level:  level,
		Output: os.Stderr,
	}).With("component", "net-relay")

	reg := registry.New(registry.DefaultHistoryCapacity)
	users := auth.NewStore()
	auditLog := audit.New(logger)

	snap := cfg.ServerSnapshot()

	socksSrv := socks5.New(reg, cfg, users, logger)
	socksSrv.Audit = auditLog

	httpSrv := httpproxy.New(reg, cfg, users, logger)
	httpSrv.Audit = auditLog

	apiSrv := api.New(reg, cfg, users, auditLog, logger)

	sup := runtime.New(logger)
	sup.Add("socks5", net.JoinHostPort(snap.Host, strconv.Itoa(snap.SOCKSPort)), socksSrv)
	sup.Add("httpproxy", net.JoinHostPort(snap.Host, strconv.Itoa(snap.HTTPPort)), httpSrv)
	sup.Add("api", net.JoinHostPort(snap.Host, strconv.Itoa(snap.APIPort)), apiSrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("net-relay starting",
		"socks_addr", net.JoinHostPort(snap.Host, strconv.Itoa(snap.SOCKSPort)),
		"http_addr", net.JoinHostPort(snap.Host, strconv.Itoa(snap.HTTPPort)),
		"api_addr", net.JoinHostPort(snap.Host, strconv.Itoa(snap.APIPort)),
	)

	if err := sup.Run(ctx); err != nil {
		logger.Error("fatal listener error", "error", err)
		return 1
	}

	logger.Info("net-relay exited")
	return 0
}
