// Package metrics holds the Prometheus collectors of the archive and
// recovery flows and the HTTP handler that exposes them.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

var (
	// to prevent metrics from being registered multiple times
	isMetricsInitVar uint32 = 0

	EmailsArchivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_emails_archived_total",
		Help: "The total number of emails encrypted and stored",
	}, []string{"context"})

	// records that could not be decrypted while listing or exporting
	RecordsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_records_skipped_total",
		Help: "The total number of archived records skipped because they failed to decrypt",
	}, []string{"operation"})

	RecoveryExportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_recovery_exports_total",
		Help: "The total number of recovery export attempts",
	}, []string{"outcome"})

	RecoveryImportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_recovery_imports_total",
		Help: "The total number of recovery import attempts",
	}, []string{"outcome"})

	RecoveredEmailsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailvault_recovered_emails_total",
		Help: "The total number of emails re-encrypted into a target account",
	})

	PurgedRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_purged_rows_total",
		Help: "The total number of rows removed by retention sweeps",
	}, []string{"table"})

	SweepFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailvault_sweep_step_failures_total",
		Help: "The total number of failed retention sweep steps",
	}, []string{"step"})
)

func setIsMetricsInit() {
	atomic.StoreUint32(&isMetricsInitVar, 1)
}

func isMetricsInit() bool {
	return atomic.LoadUint32(&isMetricsInitVar) == 1
}

// InitMetrics registers all collectors with the default registry. Calling
// it more than once is a no-op.
func InitMetrics() {
	if isMetricsInit() {
		return
	}
	setIsMetricsInit()

	prometheus.MustRegister(EmailsArchivedTotal)
	prometheus.MustRegister(RecordsSkippedTotal)
	prometheus.MustRegister(RecoveryExportsTotal)
	prometheus.MustRegister(RecoveryImportsTotal)
	prometheus.MustRegister(RecoveredEmailsTotal)
	prometheus.MustRegister(PurgedRowsTotal)
	prometheus.MustRegister(SweepFailuresTotal)
}

// Handler returns the /metrics handler after making sure the collectors are
// registered.
func Handler() http.Handler {
	InitMetrics()
	return promhttp.Handler()
}

// Outcome maps an error onto the outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
