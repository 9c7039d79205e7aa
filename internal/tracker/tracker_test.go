package tracker

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackStageRecordsSuccessAndDuration(t *testing.T) {
	tr := New(true, 1.0, 0)
	span := tr.TrackStage("s1", "validate", "thread-1", false)
	span.End(true, "", "")

	summary := tr.GetExecutionSummary("thread-1")
	require.Equal(t, 1, summary.StageCount)
	require.True(t, summary.Success)
	require.Empty(t, summary.FailedStages)
}

func TestTrackStageRecordsFailure(t *testing.T) {
	tr := New(true, 1.0, 0)
	span := tr.TrackStage("s1", "provider_stream", "thread-1", false)
	span.End(false, "PROVIDER_TIMEOUT", "upstream timed out")

	summary := tr.GetExecutionSummary("thread-1")
	require.False(t, summary.Success)
	require.Equal(t, []string{"s1"}, summary.FailedStages)
}

func TestTrackSubstageNestsUnderParent(t *testing.T) {
	tr := New(true, 1.0, 0)
	parent := tr.TrackStage("s1", "pipeline", "thread-1", false)
	child := parent.TrackSubstage("s1.1", "cache_lookup")
	child.End(true, "", "")
	parent.End(true, "", "")

	summary := tr.GetExecutionSummary("thread-1")
	require.Len(t, summary.Stages, 1)
	require.Len(t, summary.Stages[0].Substages, 1)
	require.Equal(t, "s1.1", summary.Stages[0].Substages[0].StageID)
}

func TestUntrackedThreadProducesNoOpSpans(t *testing.T) {
	tr := New(true, 0.0, 0)
	span := tr.TrackStage("s1", "validate", "thread-never-sampled", false)
	child := span.TrackSubstage("s1.1", "child")
	child.End(true, "", "")
	span.End(true, "", "")

	summary := tr.GetExecutionSummary("thread-never-sampled")
	require.Equal(t, 0, summary.StageCount)
}

func TestForceTrackOverridesZeroSampleRate(t *testing.T) {
	tr := New(true, 0.0, 0)
	span := tr.TrackStage("s1", "validate", "thread-forced", true)
	span.End(true, "", "")

	summary := tr.GetExecutionSummary("thread-forced")
	require.Equal(t, 1, summary.StageCount)
}

func TestDisabledTrackerNeverTracks(t *testing.T) {
	tr := New(false, 1.0, 0)
	require.False(t, tr.ShouldTrack("any-thread", true))
}

func TestShouldTrackIsDeterministicPerThread(t *testing.T) {
	tr := New(true, 0.5, 0)
	first := tr.ShouldTrack("stable-thread-id", false)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, tr.ShouldTrack("stable-thread-id", false))
	}
}

func TestSamplingRateWithinExpectedBand(t *testing.T) {
	tr := New(true, 0.1, 0)
	tracked := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if tr.ShouldTrack("thread-"+strconv.Itoa(i), false) {
			tracked++
		}
	}
	require.GreaterOrEqual(t, tracked, 800)
	require.LessOrEqual(t, tracked, 1200)
}

func TestClearThreadDataRemovesStages(t *testing.T) {
	tr := New(true, 1.0, 0)
	tr.TrackStage("s1", "validate", "thread-1", false).End(true, "", "")
	tr.ClearThreadData("thread-1")

	summary := tr.GetExecutionSummary("thread-1")
	require.Equal(t, 0, summary.StageCount)
}

func TestGetStageStatisticsAggregatesAcrossThreads(t *testing.T) {
	tr := New(true, 1.0, 0)
	for i := 0; i < 5; i++ {
		threadID := "thread-" + strconv.Itoa(i)
		span := tr.TrackStage("cache_lookup", "cache_lookup", threadID, false)
		span.End(true, "", "")
	}

	stats := tr.GetStageStatistics("cache_lookup", 0)
	require.Equal(t, 5, stats.Count)
	require.Equal(t, 1.0, stats.SuccessRate)
}

func TestGetStageStatisticsEmptyWhenNoSamples(t *testing.T) {
	tr := New(true, 1.0, 0)
	stats := tr.GetStageStatistics("nonexistent", 0)
	require.Equal(t, 0, stats.Count)
}
