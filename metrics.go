package credcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	signIn       *prometheus.CounterVec
	refresh      *prometheus.CounterVec
	reuse        prometheus.Counter
	signUp       *prometheus.CounterVec
	reset        *prometheus.CounterVec
	validation   *prometheus.CounterVec
	otp          *prometheus.CounterVec
	deliveryFail prometheus.Counter
	conflict     prometheus.Counter
}

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

func newMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "credcore"
	}

	return &Metrics{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "signin_total",
			Help:      "Sign-in attempts by result.",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "refresh_total",
			Help:      "Refresh rotations by result.",
		}, []string{"result"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh token reuse detections (lineage revocations).",
		}),
		signUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "signup_total",
			Help:      "Sign-up attempts by result.",
		}, []string{"result"}),
		reset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "password_reset_total",
			Help:      "Password reset requests and confirmations by stage and result.",
		}, []string{"stage", "result"}),
		validation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "account_validation_total",
			Help:      "Account validation requests and confirmations by stage and result.",
		}, []string{"stage", "result"}),
		otp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "otp_total",
			Help:      "OTP operations by operation and result.",
		}, []string{"op", "result"}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "mail_delivery_failures_total",
			Help:      "Token mail deliveries that failed (token invalidated).",
		}),
		conflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "storage_conflicts_total",
			Help:      "Conditional updates that lost their race after retry.",
		}),
	}
}

// Register attaches all collectors to the given registry.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if m == nil || reg == nil {
		return
	}
	reg.MustRegister(
		m.signIn, m.refresh, m.reuse, m.signUp,
		m.reset, m.validation, m.otp,
		m.deliveryFail, m.conflict,
	)
}

func (m *Metrics) incSignIn(ok bool) {
	if m == nil {
		return
	}
	m.incVec(m.signIn, ok)
}

func (m *Metrics) incRefresh(ok bool) {
	if m == nil {
		return
	}
	m.incVec(m.refresh, ok)
}

func (m *Metrics) incSignUp(ok bool) {
	if m == nil {
		return
	}
	m.incVec(m.signUp, ok)
}

func (m *Metrics) incReuse() {
	if m == nil {
		return
	}
	m.reuse.Inc()
}

func (m *Metrics) incDeliveryFail() {
	if m == nil {
		return
	}
	m.deliveryFail.Inc()
}

func (m *Metrics) incConflict() {
	if m == nil {
		return
	}
	m.conflict.Inc()
}

func (m *Metrics) incReset(stage string, ok bool) {
	if m == nil {
		return
	}
	m.reset.WithLabelValues(stage, result(ok)).Inc()
}

func (m *Metrics) incValidation(stage string, ok bool) {
	if m == nil {
		return
	}
	m.validation.WithLabelValues(stage, result(ok)).Inc()
}

func (m *Metrics) incOTP(op string, ok bool) {
	if m == nil {
		return
	}
	m.otp.WithLabelValues(op, result(ok)).Inc()
}

func (m *Metrics) incVec(vec *prometheus.CounterVec, ok bool) {
	if m == nil {
		return
	}
	vec.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}
