package credcore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsDisabled(t *testing.T) {
	m := newMetrics(MetricsConfig{Enabled: false})
	if m != nil {
		t.Fatal("expected nil metrics when disabled")
	}

	// Every helper must be a no-op on nil.
	m.incSignIn(true)
	m.incRefresh(false)
	m.incSignUp(true)
	m.incReuse()
	m.incDeliveryFail()
	m.incConflict()
	m.incReset("request", true)
	m.incValidation("confirm", false)
	m.incOTP("verify", true)
	m.Register(prometheus.NewRegistry())
}

func TestMetricsCounters(t *testing.T) {
	m := newMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	reg := prometheus.NewRegistry()
	m.Register(reg)

	m.incSignIn(true)
	m.incSignIn(true)
	m.incSignIn(false)
	m.incReuse()
	m.incReset("request", true)

	if got := testutil.ToFloat64(m.signIn.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful sign-ins, got %v", got)
	}
	if got := testutil.ToFloat64(m.signIn.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed sign-in, got %v", got)
	}
	if got := testutil.ToFloat64(m.reuse); got != 1 {
		t.Fatalf("expected 1 reuse detection, got %v", got)
	}
	if got := testutil.ToFloat64(m.reset.WithLabelValues("request", "success")); got != 1 {
		t.Fatalf("expected 1 reset request, got %v", got)
	}
}
