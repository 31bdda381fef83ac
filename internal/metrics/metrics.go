package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every observation becomes a no-op.
type Metrics struct {
	Requests     *prometheus.CounterVec
	LatencyMS    *prometheus.HistogramVec
	Transitions  *prometheus.CounterVec
	Reservations *prometheus.CounterVec
	Checkouts    *prometheus.CounterVec
	Sweeps       *prometheus.CounterVec
	Payments     *prometheus.CounterVec
}

func New(service string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to", "role"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "reservations_total",
			Help:      "Reservation operations by outcome.",
		}, []string{"op", "result"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "checkout_groups_total",
			Help:      "Seller groups processed at checkout by outcome.",
		}, []string{"result"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "expiry_sweep_orders_total",
			Help:      "Orders visited by the reservation expiry sweep by outcome.",
		}, []string{"result"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "payment_notifications_total",
			Help:      "Payment gateway notifications by outcome.",
		}, []string{"status", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.LatencyMS, m.Transitions, m.Reservations, m.Checkouts, m.Sweeps, m.Payments)
	}
	return m
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to, role string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, role).Inc()
}

func (m *Metrics) Reservation(op, result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) CheckoutGroup(result string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(result).Inc()
}

func (m *Metrics) Sweep(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Sweeps.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Payment(status, result string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(status, result).Inc()
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}
