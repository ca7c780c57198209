package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

var (
	metricsOnce      sync.Once
	deploymentsTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Finished deployments by operation and terminal status",
		}, []string{"operation", "status"})
		if err := prometheus.Register(deploymentsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				deploymentsTotal = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	})
}

// recordOutcome counts one terminal transition. Callers invoke it only
// after the store accepted the Finish.
func recordOutcome(operation domain.Operation, status string) {
	if deploymentsTotal == nil {
		return
	}
	deploymentsTotal.With(prometheus.Labels{
		"operation": string(operation),
		"status":    status,
	}).Inc()
}
