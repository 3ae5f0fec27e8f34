package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/spidercrawl/internal/progress"
)

func TestStateSinkSummarizesPerSpider(t *testing.T) {
	t.Parallel()

	sink := NewStateSink()
	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageCrawlStart},
		{RunID: runID, TS: now, Stage: progress.StageJobDone, Spider: "news", URL: "https://a.org/0", NextJobs: 2, Bytes: 10},
		{RunID: runID, TS: now.Add(time.Second), Stage: progress.StageJobDone, Spider: "news", URL: "https://a.org/1", Level: 1, Bytes: 5},
		{RunID: runID, TS: now, Stage: progress.StageJobError, Spider: "blog", URL: "https://b.org/0"},
		{RunID: runID, TS: now, Stage: progress.StageJobResubmit, Spider: "blog", URL: "https://b.org/0"},
	}))

	snap := sink.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "blog", snap[0].Spider)
	require.Equal(t, int64(1), snap[0].Failed)
	require.Equal(t, int64(1), snap[0].Resubmitted)
	require.Equal(t, SpiderProgress{
		Spider:     "news",
		Completed:  2,
		NextJobs:   2,
		Bytes:      15,
		MaxLevel:   1,
		LastURL:    "https://a.org/1",
		LastUpdate: now.Add(time.Second),
	}, snap[1])
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageCrawlStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageJobDone, Spider: "s", URL: "https://a.org"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageJobError, Spider: "s", URL: "https://a.org", Note: "timeout"},
	}))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "timeout", entries[2].ContextMap()["note"])
}
