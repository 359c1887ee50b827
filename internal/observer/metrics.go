package observer

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// InitMetrics toggles metric collection. Collectors are registered by promauto at package init.
func InitMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

func enabled() bool {
	return metricsEnabled.Load()
}

var (
	eventProcessingLabels = []string{"event_type", "company_id", "consumer_type"}
	eventActionLabels     = []string{"event_type", "company_id", "consumer_type", "action", "error_type"}

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_engine_events_received_total",
			Help: "Total number of events received from NATS, labeled by consumer type.",
		},
		eventProcessingLabels,
	)
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_engine_events_processed_total",
			Help: "Total number of events processed and acknowledged.",
		},
		eventProcessingLabels,
	)
	EventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_engine_events_failed_total",
			Help: "Total number of events that failed processing.",
		},
		eventProcessingLabels,
	)
	EventProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_engine_event_processing_duration_seconds",
			Help:    "Histogram of event processing durations, including queueing on the conversation partition.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		eventProcessingLabels,
	)
	EventProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_engine_event_processing_actions_total",
			Help: "Ack/Nak/DLQ decisions taken after event processing.",
		},
		eventActionLabels,
	)
)

// DLQ worker metrics.
var (
	dlqTenantLabels = []string{"company_id"}

	dlqFetchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_fetch_requests_total",
		Help: "Total number of fetch requests made to the DLQ stream.",
	})
	dlqFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_fetch_errors_total",
		Help: "Total number of errors encountered during DLQ fetch requests.",
	})
	dlqQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_engine_dlq_queue_length",
		Help: "Messages waiting in the internal DLQ worker channel.",
	})
	dlqWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_engine_dlq_workers_active",
		Help: "Running goroutines in the DLQ pool.",
	})
	dlqTasksSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_tasks_submitted_total",
		Help: "Total number of tasks submitted to the DLQ worker pool.",
	}, dlqTenantLabels)
	dlqProcessingDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversation_engine_dlq_processing_duration_seconds",
		Help:    "Histogram of processing durations for DLQ messages.",
		Buckets: prometheus.DefBuckets,
	}, dlqTenantLabels)
	dlqTaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_task_retries_total",
		Help: "Total number of NAK-with-delay retries for DLQ messages.",
	}, dlqTenantLabels)
	dlqAcksSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_acks_success_total",
		Help: "Total number of DLQ messages replayed successfully.",
	}, dlqTenantLabels)
	dlqAcksFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_acks_failure_total",
		Help: "DLQ messages that were terminated or could not be acknowledged.",
	}, dlqTenantLabels)
	dlqTasksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_dlq_tasks_dropped_total",
		Help: "Total number of DLQ messages dropped after exceeding max retries.",
	}, dlqTenantLabels)
)

// Storage metrics.
var DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "conversation_engine_db_operation_duration_seconds",
		Help:    "Histogram of database operation durations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"operation", "entity", "company_id", "status"},
)

// Conversation engine metrics.
var (
	messagesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_messages_ingested_total",
		Help: "Provider messages seen by the synchronizer, by direction and outcome (added, skipped, failed).",
	}, []string{"direction", "outcome"})
	ruleMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_rule_matches_total",
		Help: "Automation rule evaluations that selected an action, by trigger and action type.",
	}, []string{"trigger_type", "action_type"})
	ruleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_engine_rule_errors_total",
		Help: "Malformed rules skipped during evaluation.",
	})
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_generations_total",
		Help: "Automated reply attempts by outcome (sent, fallback, failed).",
	}, []string{"outcome"})
	completionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversation_engine_completion_duration_seconds",
		Help:    "Language model completion latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider", "status"})
	channelRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_channel_requests_total",
		Help: "Requests to the messaging channel by operation and status.",
	}, []string{"operation", "status"})
	dispatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_engine_dispatcher_queued_tasks",
		Help: "Tasks queued across all conversation partitions.",
	})
	dispatcherActivePartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_engine_dispatcher_active_partitions",
		Help: "Conversation partitions with work in flight.",
	})
	schedulerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_scheduler_transitions_total",
		Help: "Lifecycle transitions performed by scheduled sweeps.",
	}, []string{"job", "status"})
	aggregateSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_engine_aggregate_subscribers",
		Help: "Active subscribers of the conversation aggregate.",
	})
)

// Load generator metrics (cmd/tester).
var (
	loadgenLabels = []string{"subject", "company_id"}

	loadgenMessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_loadgen_messages_published_total",
		Help: "Messages published by the load generator.",
	}, loadgenLabels)
	loadgenPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_engine_loadgen_publish_errors_total",
		Help: "Load generator publish errors.",
	}, loadgenLabels)
)

func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func IncEventsReceived(eventType, tenant, consumerType string) {
	if enabled() {
		EventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
	}
}

func IncEventsProcessed(eventType, tenant, consumerType string) {
	if enabled() {
		EventsProcessedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
	}
}

func IncEventsFailed(eventType, tenant, consumerType string) {
	if enabled() {
		EventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
	}
}

func ObserveEventProcessingDuration(eventType, tenant, consumerType string, d time.Duration) {
	if enabled() {
		EventProcessingDurationSeconds.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Observe(d.Seconds())
	}
}

// IncEventProcessingAction counts an ack decision. errorType is reduced to a small category set.
func IncEventProcessingAction(eventType, tenant, consumerType, action, errorType string) {
	if enabled() {
		EventProcessingActionsTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType, action, SanitizeErrorType(errorType)).Inc()
	}
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, companyID string, d time.Duration, err error) {
	if enabled() {
		DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(companyID), statusLabel(err)).Observe(d.Seconds())
	}
}

func IncDlqFetchRequest() {
	if enabled() {
		dlqFetchRequestsTotal.Inc()
	}
}

func IncDlqFetchError() {
	if enabled() {
		dlqFetchErrorsTotal.Inc()
	}
}

func SetDlqQueueLength(n int) {
	if enabled() {
		dlqQueueLength.Set(float64(n))
	}
}

func SetDlqWorkersActive(n int) {
	if enabled() {
		dlqWorkersActive.Set(float64(n))
	}
}

func IncDlqTasksSubmitted(companyID string) {
	if enabled() {
		dlqTasksSubmittedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func ObserveDlqProcessingDuration(companyID string, d time.Duration) {
	if enabled() {
		dlqProcessingDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(d.Seconds())
	}
}

func IncDlqTaskRetry(companyID string) {
	if enabled() {
		dlqTaskRetriesTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func IncDlqAckSuccess(companyID string) {
	if enabled() {
		dlqAcksSuccessTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func IncDlqAckFailure(companyID string) {
	if enabled() {
		dlqAcksFailureTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func IncDlqTasksDropped(companyID string) {
	if enabled() {
		dlqTasksDroppedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// AddMessagesIngested counts synchronizer outcomes for one direction.
func AddMessagesIngested(direction, outcome string, n int) {
	if enabled() && n > 0 {
		messagesIngestedTotal.WithLabelValues(direction, outcome).Add(float64(n))
	}
}

func IncRuleMatch(triggerType, actionType string) {
	if enabled() {
		ruleMatchesTotal.WithLabelValues(triggerType, actionType).Inc()
	}
}

func IncRuleError() {
	if enabled() {
		ruleErrorsTotal.Inc()
	}
}

func IncGeneration(outcome string) {
	if enabled() {
		generationsTotal.WithLabelValues(outcome).Inc()
	}
}

func ObserveCompletionDuration(provider string, d time.Duration, err error) {
	if enabled() {
		completionDurationSeconds.WithLabelValues(provider, statusLabel(err)).Observe(d.Seconds())
	}
}

func IncChannelRequest(operation string, err error) {
	if enabled() {
		channelRequestsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	}
}

func AddDispatcherQueued(delta int) {
	if enabled() {
		dispatcherQueueDepth.Add(float64(delta))
	}
}

func SetDispatcherActivePartitions(n int) {
	if enabled() {
		dispatcherActivePartitions.Set(float64(n))
	}
}

func IncSchedulerTransition(job string, err error) {
	if enabled() {
		schedulerSweepsTotal.WithLabelValues(job, statusLabel(err)).Inc()
	}
}

func SetAggregateSubscribers(n int) {
	if enabled() {
		aggregateSubscribers.Set(float64(n))
	}
}

func IncLoadgenMessagesPublished(subject, companyID string) {
	if enabled() {
		loadgenMessagesPublishedTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
	}
}

func IncLoadgenPublishErrors(subject, companyID string) {
	if enabled() {
		loadgenPublishErrorsTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
	}
}

// SanitizeErrorType maps an error string to a low-cardinality category.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}
	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "persistence"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "channel unavailable"):
		return "channel"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
