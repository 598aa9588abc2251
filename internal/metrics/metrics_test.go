package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSync_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSync(reg)

	m.Cycles.WithLabelValues("ok").Inc()
	m.Conflicts.WithLabelValues("needs-field-choice").Add(2)
	m.Pushed.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("needs-field-choice")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// повторная регистрация в том же реестре запрещена
	assert.Panics(t, func() { NewSync(reg) })
}

func TestNewSync_Unregistered(t *testing.T) {
	a := NewSync(nil)
	b := NewSync(nil)
	a.Pulled.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Pulled))
}

func TestNewRelay(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelay(reg)
	m.Changes.WithLabelValues("accepted").Inc()
	m.Changes.WithLabelValues("duplicate").Inc()
	assert.Equal(t, 2, testutil.CollectAndCount(m.Changes))
}
