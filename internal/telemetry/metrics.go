// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package telemetry

import "github.com/pdiddy/strategy-engine/pkg/types"

// Compute aggregates episodes into a snapshot. Episodes that are not
// terminal are skipped, so callers may pass an unfiltered slice. The first
// terminal episode is taken as the newest.
func Compute(topicID string, version *int, windowSize int, episodes []types.Episode) types.MetricsSnapshot {
	snap := types.MetricsSnapshot{
		TopicID:    topicID,
		Version:    version,
		WindowSize: windowSize,
	}

	var saveRateSum, followupSum float64
	failed := 0
	for _, ep := range episodes {
		if !ep.Status.Terminal() {
			continue
		}
		if snap.EpisodeCount == 0 {
			snap.LatestEpisodeID = ep.ID
		}
		snap.EpisodeCount++
		saveRateSum += SaveRate(ep)
		followupSum += float64(ep.FollowupCount)
		snap.SourcesReturned += len(ep.SourcesReturned)
		snap.SourcesSaved += len(ep.SourcesSaved)
		if ep.Status == types.EpisodeFailed {
			failed++
		}
	}

	if snap.EpisodeCount == 0 {
		return snap
	}
	n := float64(snap.EpisodeCount)
	snap.AvgSaveRate = saveRateSum / n
	snap.AvgFollowupCount = followupSum / n
	snap.FailureRate = float64(failed) / n
	return snap
}

// SaveRate is |saved| / |returned| for one episode, 0 when nothing was
// returned.
func SaveRate(ep types.Episode) float64 {
	if len(ep.SourcesReturned) == 0 {
		return 0
	}
	return float64(len(ep.SourcesSaved)) / float64(len(ep.SourcesReturned))
}
