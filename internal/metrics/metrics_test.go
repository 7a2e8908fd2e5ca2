package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znz-systems/relaywarm/internal/delivery"
	"github.com/znz-systems/relaywarm/internal/warmup"
)

var (
	_ delivery.Observer = (*Metrics)(nil)
	_ warmup.Observer   = (*Metrics)(nil)
)

func TestObserveSendAndRetry(t *testing.T) {
	m := New()
	m.ObserveSend("mail.example.com", true, 120*time.Millisecond)
	m.ObserveSend("mail.example.com", false, 0)
	m.ObserveRetry("mail.example.com", false)
	m.ObserveRetry("mail.example.com", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendAttempts.WithLabelValues("mail.example.com", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendAttempts.WithLabelValues("mail.example.com", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("mail.example.com", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("mail.example.com", "exhausted")))
}

func TestOnStatusChange(t *testing.T) {
	m := New()
	err := m.OnStatusChange(context.Background(), warmup.StatusChange{
		ServerID: 3,
		ClassKey: "gmail",
		OldDay:   4,
		NewDay:   5,
		Action:   warmup.ActionAdvance,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues(string(warmup.ActionAdvance))))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.classDay.WithLabelValues("3", "gmail")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveEvent("inbound_mail", "inbound", true)
	m.ObserveRejection("signature")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relaywarm_webhook_events_total{event="inbound",kind="inbound_mail",result="dropped"} 1`)
	assert.Contains(t, string(body), `relaywarm_webhook_rejections_total{reason="signature"} 1`)
}
