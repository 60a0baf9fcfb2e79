package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	r := prometheus.NewRegistry()
	Register(r)
	// 重复注册不会 panic。
	Register(r)
	assert.Equal(t, prometheus.Registerer(r), GetRegisterer())

	RequestOutcomes.WithLabelValues("completed").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestOutcomes.WithLabelValues("completed")))

	families, err := r.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
