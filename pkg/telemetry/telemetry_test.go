package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTraceRecordsStepsOnce(t *testing.T) {
	SetSlowThreshold(time.Nanosecond)
	defer SetSlowThreshold(0)

	before := testutil.CollectAndCount(opDuration)
	tr := Track("test.op")
	tr.Mark("first")
	tr.Mark("second")
	assert.Len(t, tr.Steps, 2)
	assert.Positive(t, tr.Finish())
	assert.Zero(t, tr.Finish())
	assert.Equal(t, before+1, testutil.CollectAndCount(opDuration))
}
