package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace       = "crowdfund"
	labelOperation  = "operation"
	labelStatus     = "status"
	labelRevertKind = "revert_kind"
	labelMethod     = "method"
	labelPath       = "path"
	revertKindNone  = "none"
	unmatchedRoute  = "unmatched"
)

// Metrics records client operations, contract state and HTTP traffic.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	goalAmount        prometheus.Gauge
	totalFunded       prometheus.Gauge
	progressPercent   prometheus.Gauge
	secondsRemaining  prometheus.Gauge
	fundingStarted    prometheus.Gauge
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	nowFn             func() time.Time
}

var _ crowdfund.OperationLogger = (*Metrics)(nil)

// New registers collectors with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "operations_total",
				Help:      "Client operations by name, outcome and revert classification",
			},
			[]string{labelOperation, labelStatus, labelRevertKind},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "operation_duration_seconds",
				Help:      "Client operation duration in seconds, including confirmation waits",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{labelOperation},
		),
		goalAmount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contract",
			Name:      "goal_amount_tokens",
			Help:      "Campaign goal in display units",
		}),
		totalFunded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contract",
			Name:      "total_funded_tokens",
			Help:      "Total funded in display units",
		}),
		progressPercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contract",
			Name:      "progress_percent",
			Help:      "Funding progress toward the goal",
		}),
		secondsRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contract",
			Name:      "seconds_remaining",
			Help:      "Seconds until the campaign deadline",
		}),
		fundingStarted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contract",
			Name:      "funding_started",
			Help:      "1 while funding is active",
		}),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{labelMethod, labelPath, labelStatus},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{labelMethod, labelPath},
		),
		nowFn: time.Now,
	}
}

// LogOperation counts entry and observes its duration.
func (metrics *Metrics) LogOperation(_ context.Context, entry crowdfund.OperationLog) {
	revertKind := string(entry.RevertKind)
	if revertKind == "" {
		revertKind = revertKindNone
	}
	metrics.operations.WithLabelValues(entry.Operation, entry.Status, revertKind).Inc()
	metrics.operationDuration.WithLabelValues(entry.Operation).Observe(entry.Duration.Seconds())
}

// ObserveSnapshot publishes contract gauges. A nil snapshot resets them.
func (metrics *Metrics) ObserveSnapshot(snapshot *crowdfund.ContractSnapshot) {
	if snapshot == nil {
		metrics.goalAmount.Set(0)
		metrics.totalFunded.Set(0)
		metrics.progressPercent.Set(0)
		metrics.secondsRemaining.Set(0)
		metrics.fundingStarted.Set(0)
		return
	}
	derived := crowdfund.Derive(*snapshot, metrics.nowFn())
	metrics.goalAmount.Set(tokens(derived.GoalAmount))
	metrics.totalFunded.Set(tokens(derived.TotalFunded))
	metrics.progressPercent.Set(derived.ProgressPercent)
	metrics.secondsRemaining.Set(float64(derived.SecondsRemaining))
	if snapshot.IsStarted {
		metrics.fundingStarted.Set(1)
	} else {
		metrics.fundingStarted.Set(0)
	}
}

// Middleware returns a gin middleware counting requests by route template.
func (metrics *Metrics) Middleware() gin.HandlerFunc {
	return func(context *gin.Context) {
		start := metrics.nowFn()
		context.Next()
		path := context.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := context.Request.Method
		metrics.requests.WithLabelValues(method, path, strconv.Itoa(context.Writer.Status())).Inc()
		metrics.requestDuration.WithLabelValues(method, path).Observe(metrics.nowFn().Sub(start).Seconds())
	}
}

// tokens converts a display decimal to a float for gauges. Precision loss is acceptable here.
func tokens(display string) float64 {
	value, err := strconv.ParseFloat(display, 64)
	if err != nil {
		return 0
	}
	return value
}
