package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterTwice(t *testing.T) {
	assert.NotPanics(t, Register)
	assert.NotPanics(t, Register)
}

func TestCounters(t *testing.T) {
	BlocksProcessed.WithLabelValues("test").Inc()
	BlocksProcessed.WithLabelValues("test").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(BlocksProcessed.WithLabelValues("test")))

	Checkpoint.WithLabelValues("test").Set(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(Checkpoint.WithLabelValues("test")))
}
