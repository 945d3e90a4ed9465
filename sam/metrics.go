package sam

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickseg",
			Subsystem: "controller",
			Name:      "operations_total",
			Help:      "Total controller operations by result kind",
		},
		[]string{"op", "variant", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clickseg",
			Subsystem: "controller",
			Name:      "operation_duration_seconds",
			Help:      "Duration of controller operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "variant"},
	)

	cancelRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clickseg",
			Subsystem: "controller",
			Name:      "cancel_requests_total",
			Help:      "Total Cancel calls",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration, cancelRequestsTotal)
}

// observe 记录一次操作的耗时和结果
func observe(op string, v Variant, start time.Time, err error) {
	operationsTotal.WithLabelValues(op, v.String(), errorKind(err)).Inc()
	operationDuration.WithLabelValues(op, v.String()).Observe(time.Since(start).Seconds())
}
