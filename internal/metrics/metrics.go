// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes net-relay's Prometheus metrics. Every collector
// reads straight from internal/registry.Registry at scrape time via
// CounterFunc/GaugeFunc, so there is no metrics-side state to keep in
// sync with the registry's own atomics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Annihilater/net-relay/internal/registry"
)

// Register builds every collector against reg, reading live values from
// connReg on each scrape.
func Register(reg *prometheus.Registry, connReg *registry.Registry) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "netrelay_connections_total",
			Help: "Total proxy connections accepted since process start.",
		}, func() float64 {
			return float64(connReg.Aggregated().TotalConnections)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netrelay_connections_active",
			Help: "Currently open proxy connections.",
		}, func() float64 {
			return float64(connReg.Aggregated().ActiveConnections)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "netrelay_bytes_sent_total",
			Help: "Total bytes relayed from clients to upstreams.",
		}, func() float64 {
			return float64(connReg.Aggregated().TotalBytesSent)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "netrelay_bytes_received_total",
			Help: "Total bytes relayed from upstreams to clients.",
		}, func() float64 {
			return float64(connReg.Aggregated().TotalBytesRecv)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netrelay_uptime_seconds",
			Help: "Seconds since the process started.",
		}, func() float64 {
			return float64(connReg.Aggregated().UptimeSecs)
		}),
	)
}
