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
	messagesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_messages_classified_total",
		Help: "Total number of inbound messages by classification",
	}, []string{"kind"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"section", "key", "status"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfbot_command_duration_seconds",
		Help:    "Duration of command handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"section"})

	// Fast response metrics
	triggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_fast_response_triggers_total",
		Help: "Total number of fast response trigger executions",
	}, []string{"scope", "status"})

	// Abuse guard metrics
	abuseActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_abuse_actions_total",
		Help: "Total number of abuse guard decisions",
	}, []string{"action"})

	// Configuration store metrics
	storeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_store_mutations_total",
		Help: "Total number of configuration mutations",
	}, []string{"status"})

	storeMutationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "selfbot_store_mutation_duration_seconds",
		Help:    "Duration of configuration mutations including persistence",
		Buckets: prometheus.DefBuckets,
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfbot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Transport metrics
	transportCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfbot_transport_calls_total",
		Help: "Total number of chat transport calls",
	}, []string{"operation", "status"})

	// Classification cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selfbot_match_cache_hits_total",
		Help: "Total number of classification cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selfbot_match_cache_misses_total",
		Help: "Total number of classification cache misses",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selfbot_messages_in_flight",
		Help: "Number of inbound messages currently being processed",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordClassified records how an inbound message was classified
func (m *Metrics) RecordClassified(kind string) {
	messagesClassified.WithLabelValues(kind).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(section, key, status string, duration time.Duration) {
	commandsExecuted.WithLabelValues(section, key, status).Inc()
	commandDuration.WithLabelValues(section).Observe(duration.Seconds())
}

// RecordTrigger records a fast response trigger execution
func (m *Metrics) RecordTrigger(scope, status string) {
	triggersFired.WithLabelValues(scope, status).Inc()
}

// RecordAbuseAction records an abuse guard decision
func (m *Metrics) RecordAbuseAction(action string) {
	abuseActions.WithLabelValues(action).Inc()
}

// RecordMutation records a configuration mutation
func (m *Metrics) RecordMutation(status string, duration time.Duration) {
	storeMutations.WithLabelValues(status).Inc()
	storeMutationDuration.Observe(duration.Seconds())
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransportCall records a chat transport call
func (m *Metrics) RecordTransportCall(operation, status string) {
	transportCalls.WithLabelValues(operation, status).Inc()
}

// RecordCacheHit records a classification cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a classification cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// TaskStarted marks the start of an inbound message task
func (m *Metrics) TaskStarted() {
	inFlight.Inc()
}

// TaskFinished marks the end of an inbound message task
func (m *Metrics) TaskFinished() {
	inFlight.Dec()
}

// NewMetricsRouter builds the metrics and health check router
func NewMetricsRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return router
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
