package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return New(Config{Enabled: true, Namespace: "rcs"})
}

func TestCollector_Counters(t *testing.T) {
	c := newTestCollector()

	c.RegistryChanged("im", "one_to_one", 3)
	c.SessionCreated("chat", "incoming")
	c.SessionCreated("chat", "incoming")
	c.AdmissionRejected("chat", "REJECTED_SPAM")
	c.SessionTerminated("chat", "failed", "signaling_timeout")
	c.Recovery("session")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.sessionsActive.WithLabelValues("im", "one_to_one")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("chat", "incoming")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionRejected.WithLabelValues("chat", "REJECTED_SPAM")))

	counters := c.PerformanceCounters()
	assert.Equal(t, int64(2), counters["total_sessions"])
	assert.Equal(t, int64(1), counters["total_rejections"])
	assert.Equal(t, int64(1), counters["total_failures"])
	assert.Equal(t, int64(1), counters["total_recoveries"])
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector()
	c.SessionStarted("ip_call", "outgoing", 250*time.Millisecond)
	c.TransactionCompleted("INVITE", 486)
	c.RateLimited()
	c.RequestRouted("INVITE", "chat")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "rcs_session_setup_duration_seconds"), "гистограмма установления в выводе")
	assert.Contains(t, body, `rcs_signaling_transactions_total{class="4xx",method="INVITE"} 1`)
	assert.Contains(t, body, "rcs_dispatcher_rate_limited_total 1")
	assert.Contains(t, body, `rcs_dispatcher_requests_total{method="INVITE",route="chat"} 1`)
}

func TestCollector_DisabledAndNil(t *testing.T) {
	var nilCollector *Collector
	disabled := New(Config{Enabled: false})

	for _, c := range []*Collector{nilCollector, disabled} {
		assert.NotPanics(t, func() {
			c.RegistryChanged("im", "x", 1)
			c.SessionCreated("chat", "incoming")
			c.SessionTerminated("chat", "aborted", "by_user")
			c.Recovery("x")
			c.RequestRouted("BYE", "session")
		})
		assert.Nil(t, c.Registry())
		assert.Empty(t, c.PerformanceCounters())
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "timeout", statusClass(0))
	assert.Equal(t, "1xx", statusClass(180))
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "4xx", statusClass(481))
	assert.Equal(t, "6xx", statusClass(603))
}
