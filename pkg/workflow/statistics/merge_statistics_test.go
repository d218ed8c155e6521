package statistics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/pkg/workflow/statistics"
)

func TestMergeStatsAverages(t *testing.T) {
	assert := assert.New(t)

	start := time.Now()
	assert.NoError(statistics.RecordMergeStart(start))
	statistics.RecordCopyPhase(4 * time.Second)
	statistics.RecordCatchupPhase(2 * time.Second)
	statistics.RecordDiffPhase(time.Second)
	statistics.RecordCutoverPhase(time.Second)
	assert.NoError(statistics.RecordMergeFinish(start.Add(10 * time.Second)))

	assert.NoError(statistics.RecordMergeStart(start))
	statistics.RecordCopyPhase(2 * time.Second)
	statistics.RecordCatchupPhase(2 * time.Second)
	statistics.RecordDiffPhase(time.Second)
	statistics.RecordCutoverPhase(time.Second)
	assert.NoError(statistics.RecordMergeFinish(start.Add(6 * time.Second)))

	stats := statistics.GetMergeStats()
	assert.Equal(3*time.Second, stats.CopyTime)
	assert.Equal(2*time.Second, stats.CatchupTime)
	assert.Equal(time.Second, stats.DiffTime)
	assert.Equal(time.Second, stats.CutoverTime)
	assert.Equal(8*time.Second, stats.TotalTime)
}

func TestMergeFinishWithoutStart(t *testing.T) {
	assert.Error(t, statistics.RecordMergeFinish(time.Now()))
}

func TestPhasesIgnoredOutsideMerge(t *testing.T) {
	before := statistics.GetMergeStats()
	statistics.RecordCopyPhase(time.Hour)
	assert.Equal(t, before.CopyTime, statistics.GetMergeStats().CopyTime)
}
