// Package metrics exports rule engine and HTTP metrics in the Prometheus
// exposition format.
//
// Metrics (prefixed with the configured namespace):
//   - rule_evaluations_total: rules run, by outcome and action type
//   - rule_evaluation_duration_seconds: time spent running one rule
//   - http_requests_total: requests served, by method, route and status
//   - http_request_duration_seconds: request latency, by method and route
//   - log_*_total: the logger's warning and error counters
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/finrules/internal/logger"
	"github.com/liamcoop/finrules/rules"
)

// Collector owns the application's collectors and the registry they are
// registered on. It implements rules.Observer.
type Collector struct {
	registry *prometheus.Registry

	ruleEvaluations *prometheus.CounterVec
	ruleDuration    *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ rules.Observer = (*Collector)(nil)

// NewCollector creates the collectors and registers them with registry. A
// nil registry gets a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		ruleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rules run against a transaction",
			},
			[]string{"outcome", "action"},
		),
		ruleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_duration_seconds",
				Help:      "Duration of a single rule evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"outcome"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.ruleEvaluations,
		c.ruleDuration,
		c.requestsTotal,
		c.requestDuration,
	)
	registerLogCounters(namespace, registry)

	return c
}

func registerLogCounters(namespace string, registry *prometheus.Registry) {
	counters := []struct {
		name  string
		help  string
		value *atomic.Int64
	}{
		{"log_errors_total", "Errors logged, including sampled-out ones", &logger.TotalErrors},
		{"log_warnings_total", "Warnings logged, including sampled-out ones", &logger.TotalWarnings},
		{"http_5xx_responses_total", "Responses with a 5xx status", &logger.Total5xxErrors},
		{"http_4xx_responses_total", "Responses with a 4xx status", &logger.Total4xxErrors},
		{"http_slow_requests_total", "Requests slower than the configured threshold", &logger.SlowRequests},
		{"db_connect_retries_total", "Failed database connection attempts that were retried", &logger.DBConnectRetries},
		{"rule_failures_total", "Rules that errored during evaluation", &logger.RuleEvalFailures},
		{"import_row_failures_total", "CSV import rows that were skipped", &logger.ImportRowFailures},
	}

	for _, ctr := range counters {
		value := ctr.value
		registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: ctr.name, Help: ctr.help},
			func() float64 { return float64(value.Load()) },
		))
	}
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRule records one rule outcome. Failed rules also bump the logger's
// failure counter.
func (c *Collector) ObserveRule(rule *rules.Rule, outcome rules.Outcome, elapsed time.Duration) {
	action := "unknown"
	if rule != nil && rule.Action != nil {
		action = string(rule.Action.Type())
	}

	c.ruleEvaluations.WithLabelValues(string(outcome), action).Inc()
	c.ruleDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())

	if outcome == rules.OutcomeError {
		logger.WarnRuleFailure()
	}
}

// ObserveRequest records one served HTTP request. route is the matched
// route pattern, not the raw path.
func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
