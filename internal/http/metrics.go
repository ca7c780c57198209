package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandbox",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandbox",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.rateLimitHits}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = v
						} else if collector == r.rateLimitHits {
							r.rateLimitHits = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}

		// Gauge funcs sample live component state at scrape time. A
		// second registration (tests building several routers) keeps
		// the first sampler, so ignore the conflict.
		if r.manager != nil {
			_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "active_deployments",
				Help:      "Deployments currently running",
			}, func() float64 { return float64(r.manager.ActiveCount()) }))
		}
		if r.gateway != nil {
			_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "ws_clients",
				Help:      "Connected WebSocket clients",
			}, func() float64 { return float64(r.gateway.ClientCount()) }))
		}
		if r.eventBus != nil {
			_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "bus_subscriptions",
				Help:      "Live event bus subscriptions",
			}, func() float64 { return float64(r.eventBus.SubscriptionCount()) }))
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": rateMetricKey(key)}).Inc()
}

// rateMetricKey strips the identifying part of a limiter key so the
// metric label stays bounded.
func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	for i, c := range key {
		if c == ':' && i > 0 {
			return key[:i]
		}
	}
	return key
}
