package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type"})

	detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_detections_total",
		Help: "Total number of classifier detections",
	}, []string{"category"})

	enforcements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_enforcements_total",
		Help: "Total number of enforcement actions",
	}, []string{"level"})

	classifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clean_bot_classify_duration_seconds",
		Help:    "Duration of message classification",
		Buckets: prometheus.DefBuckets,
	})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Exchange metrics
	exchangeReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_exchange_received_total",
		Help: "Total number of exchange envelopes received",
	}, []string{"action", "type"})

	exchangePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_exchange_published_total",
		Help: "Total number of exchange envelopes published",
	}, []string{"action", "type"})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clean_bot_content_cache_hits_total",
		Help: "Total number of content cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clean_bot_content_cache_misses_total",
		Help: "Total number of content cache misses",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"group_id"})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clean_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	// Watched users gauge
	watchedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clean_bot_watched_users",
		Help: "Number of users with an active watch entry",
	})

	// Active groups gauge
	activeGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clean_bot_active_groups",
		Help: "Number of configured groups",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(chatType string) {
	messagesReceived.WithLabelValues(chatType).Inc()
}

// RecordDetection records a classifier detection
func (m *Metrics) RecordDetection(category string) {
	detections.WithLabelValues(category).Inc()
}

// RecordEnforcement records an enforcement action
func (m *Metrics) RecordEnforcement(level string) {
	enforcements.WithLabelValues(level).Inc()
}

// RecordClassifyDuration records how long classification took
func (m *Metrics) RecordClassifyDuration(d time.Duration) {
	classifyDuration.Observe(d.Seconds())
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordExchangeReceived records an inbound exchange envelope
func (m *Metrics) RecordExchangeReceived(action, typ string) {
	exchangeReceived.WithLabelValues(action, typ).Inc()
}

// RecordExchangePublished records an outbound exchange envelope
func (m *Metrics) RecordExchangePublished(action, typ string) {
	exchangePublished.WithLabelValues(action, typ).Inc()
}

// RecordCacheHit records a content cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a content cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(groupID string) {
	rateLimitExceeded.WithLabelValues(groupID).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string) {
	storageOperations.WithLabelValues(operation, status).Inc()
}

// SetWatchedUsers sets the watched-users gauge
func (m *Metrics) SetWatchedUsers(count float64) {
	watchedUsers.Set(count)
}

// SetActiveGroups sets the configured-groups gauge
func (m *Metrics) SetActiveGroups(count float64) {
	activeGroups.Set(count)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
