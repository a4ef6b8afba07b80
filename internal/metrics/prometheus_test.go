package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/teamsrelay/internal/models"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, zerolog.Nop())

	m.ObserveRefresh("success")
	m.ObserveRefresh("success")
	m.ObserveRefresh("failure")
	m.ObserveRequest("send_chat", 201)
	m.ObserveRequest("send_chat", 0)
	m.ObserveDelivery(models.DeliveryAttempt{Outcome: models.OutcomeSuccess, FormatterUsed: models.FormatterHTML}, 300*time.Millisecond)
	m.ObserveDelivery(models.DeliveryAttempt{Outcome: models.OutcomeFailed, ErrorClass: models.ErrorNoCredential}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GraphRequests.WithLabelValues("send_chat", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GraphRequests.WithLabelValues("send_chat", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("success", "html", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failed", "", "NoCredential")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.DeliveryDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNew_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, zerolog.Nop())
	assert.NotPanics(t, func() { New(reg, zerolog.Nop()) })
	assert.NotPanics(t, func() { New(nil, zerolog.Nop()).ObserveRefresh("success") })
}
