package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionsGauge(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("h2", "", 20*time.Millisecond)
	m.ObserveRequest("h2", "", 30*time.Millisecond)
	m.ObserveRequest("http/1.1", "", time.Millisecond)
	m.ObserveRequest("", "TLS", time.Second)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("h2")); got != 2 {
		t.Errorf("requests_total{proto=h2} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("TLS")); got != 1 {
		t.Errorf("request_errors_total{kind=TLS} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 1 {
		t.Errorf("duration histogram collected %d metrics", got)
	}
}

func TestText(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.ObserveRequest("h2", "", time.Millisecond)

	text, err := m.Text()
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	for _, want := range []string{
		"cloak_sessions_active 1",
		`cloak_requests_total{proto="h2"} 1`,
		"# TYPE cloak_request_duration_seconds histogram",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition is missing %q:\n%s", want, text)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.ObserveRequest("h2", "", time.Second)
	if text, err := m.Text(); err != nil || text != "" {
		t.Errorf("nil Metrics Text() = %q, %v", text, err)
	}
}
