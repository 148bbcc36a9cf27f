// Package metrics provides Prometheus metrics for deployment runs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the collectors for one process. Each instance owns its
// registry so tests and dry runs do not share counters.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsTotal   *prometheus.CounterVec
	GasUsedTotal        *prometheus.CounterVec
	ReceiptWaitSeconds  prometheus.Histogram
	MigrationsCompleted *prometheus.CounterVec
	ProxiesDeployed     *prometheus.CounterVec
	VerificationsTotal  *prometheus.CounterVec
	LastRunTimestamp    prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TransactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erc20_deployer_transactions_total",
				Help: "Transactions sent, by network, kind and outcome",
			},
			[]string{"network", "kind", "status"},
		),

		GasUsedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erc20_deployer_gas_used_total",
				Help: "Gas consumed by mined transactions",
			},
			[]string{"network"},
		),

		ReceiptWaitSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "erc20_deployer_receipt_wait_seconds",
				Help:    "Time from broadcast until the receipt reached the required confirmations",
				Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600},
			},
		),

		MigrationsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erc20_deployer_migrations_completed_total",
				Help: "Migrations completed, by network",
			},
			[]string{"network", "dry_run"},
		),

		ProxiesDeployed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erc20_deployer_proxies_deployed_total",
				Help: "Proxies deployed, by kind",
			},
			[]string{"network", "kind"},
		),

		VerificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "erc20_deployer_verifications_total",
				Help: "Explorer verification attempts, by outcome",
			},
			[]string{"outcome"},
		),

		LastRunTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "erc20_deployer_last_run_timestamp_seconds",
				Help: "Unix time the last migration run finished",
			},
		),
	}
}

// RecordTx counts one transaction outcome.
func (m *Metrics) RecordTx(network, kind, status string, gasUsed uint64) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(network, kind, status).Inc()
	if gasUsed > 0 {
		m.GasUsedTotal.WithLabelValues(network).Add(float64(gasUsed))
	}
}

// ObserveReceiptWait records how long a receipt took.
func (m *Metrics) ObserveReceiptWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ReceiptWaitSeconds.Observe(d.Seconds())
}

// MigrationCompleted counts one finished migration.
func (m *Metrics) MigrationCompleted(network string, dryRun bool) {
	if m == nil {
		return
	}
	m.MigrationsCompleted.WithLabelValues(network, fmt.Sprint(dryRun)).Inc()
}

// ProxyDeployed counts one proxy deployment.
func (m *Metrics) ProxyDeployed(network, kind string) {
	if m == nil {
		return
	}
	m.ProxiesDeployed.WithLabelValues(network, kind).Inc()
}

// Verification counts one verification outcome (verified, already, failed).
func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
}

// Push sends the registry to a Pushgateway, grouped by job only: the
// collectors already carry a network label. An empty URL is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	m.LastRunTimestamp.SetToCurrentTime()
	err := push.New(url, job).
		Gatherer(m.Registry).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
