package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Audit chain metrics
	AuditEntriesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_audit_entries_appended_total",
			Help: "Total number of audit entries appended by action",
		},
		[]string{"action"},
	)

	AuditAppendConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_audit_append_conflicts_total",
			Help: "Total number of audit append retries caused by cursor races",
		},
	)

	AuditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_audit_write_failures_total",
			Help: "Total number of exhausted audit writes by mode (fail_secure or best_effort)",
		},
		[]string{"mode"},
	)

	// Backup pipeline metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_backups_total",
			Help: "Total number of backup submissions by outcome",
		},
		[]string{"outcome"},
	)

	BackupBytesEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_backup_bytes_encrypted_total",
			Help: "Total plaintext bytes encrypted by the backup pipeline",
		},
	)

	// Restore pipeline metrics
	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_restores_total",
			Help: "Total number of restore requests by outcome",
		},
		[]string{"outcome"},
	)

	RestoreTokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_restore_tokens_active",
			Help: "Number of unexpired single-use restore tokens",
		},
	)

	// Key lifecycle metrics
	KeyRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_key_rotations_total",
			Help: "Total number of completed key rotations",
		},
	)

	CryptoShredsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_crypto_shreds_total",
			Help: "Total number of crypto-shred attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Incident and monitoring metrics
	IncidentLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_incident_level",
			Help: "Current incident level (1 for the active level, 0 otherwise)",
		},
		[]string{"level"},
	)

	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_created_total",
			Help: "Total number of monitoring alerts created by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AuditEntriesAppended)
	prometheus.MustRegister(AuditAppendConflicts)
	prometheus.MustRegister(AuditWriteFailures)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupBytesEncrypted)
	prometheus.MustRegister(RestoresTotal)
	prometheus.MustRegister(RestoreTokensActive)
	prometheus.MustRegister(KeyRotationsTotal)
	prometheus.MustRegister(CryptoShredsTotal)
	prometheus.MustRegister(IncidentLevel)
	prometheus.MustRegister(AlertsCreated)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// SetIncidentLevel flips the incident level gauge so exactly one level is 1.
func SetIncidentLevel(level string) {
	for _, known := range []string{"NORMAL", "QUARANTINE", "LOCKDOWN"} {
		value := 0.0
		if known == level {
			value = 1.0
		}
		IncidentLevel.WithLabelValues(known).Set(value)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
