package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepCallsCountsByLabel(t *testing.T) {
	before := testutil.ToFloat64(StepCalls.WithLabelValues("parallel", "success"))
	StepCalls.WithLabelValues("parallel", "success").Inc()
	StepCalls.WithLabelValues("parallel", "success").Inc()

	assert.InDelta(t, before+2, testutil.ToFloat64(StepCalls.WithLabelValues("parallel", "success")), 0.001)
}

func TestWriteTextfile(t *testing.T) {
	Runs.WithLabelValues("raw", "L0_raw").Inc()
	path := filepath.Join(t.TempDir(), "percept.prom")

	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "percept_runs_total")
}
