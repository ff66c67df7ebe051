package domain

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionCoversRangeWithoutGapsOrOverlaps(t *testing.T) {
	end := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ranges := []struct {
		start time.Time
		days  int
	}{
		{end.AddDate(-3, 0, 0), 30},
		{end.AddDate(-1, 0, 0), 7},
		{end.AddDate(0, 0, -10), 30},
		{end.AddDate(0, 0, -60), 30},
	}
	for _, r := range ranges {
		windows := Partition(r.start, end, r.days)
		require.NotEmpty(t, windows)

		sorted := append(windows[:0:0], windows...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

		assert.True(t, sorted[0].Start.Equal(r.start))
		assert.True(t, sorted[len(sorted)-1].End.Equal(end))
		for i := 1; i < len(sorted); i++ {
			assert.True(t, sorted[i-1].End.Equal(sorted[i].Start), "window %d does not abut %d", i-1, i)
		}
		for _, w := range windows {
			assert.True(t, w.Start.Before(w.End))
			assert.LessOrEqual(t, w.End.Sub(w.Start), time.Duration(r.days)*24*time.Hour+time.Hour)
		}
	}
}

func TestPartitionThreeYearsIsAboutThirtySevenChunks(t *testing.T) {
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	windows := Partition(end.AddDate(-3, 0, 0), end, 30)

	assert.Len(t, windows, 37)
	assert.True(t, windows[0].End.Equal(end), "newest window first")
}

func TestPartitionRejectsEmptyRange(t *testing.T) {
	now := time.Now()
	assert.Nil(t, Partition(now, now, 30))
	assert.Nil(t, Partition(now, now.Add(time.Hour), 0))
}

func TestStageNext(t *testing.T) {
	assert.Equal(t, StageRegex, StageDiscovery.Next())
	assert.Equal(t, StageAI, StageRegex.Next())
	assert.Equal(t, Stage(""), StageAI.Next())
}
