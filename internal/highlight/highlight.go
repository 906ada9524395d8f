// Package highlight selects which time ranges of a video become clips.
// Two signals are supported: the viewer engagement heatmap exposed by the
// video platform, and per-interval audio loudness measured from the file
// itself. Both run through the same window selection procedure.
package highlight

import (
	"fmt"
	"math"
	"sort"
)

// Window is one selected clip range. Start/End are seconds into the video.
type Window struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Score  int     `json:"score"`
	Reason string  `json:"reason"`
}

// HeatmapPoint is one engagement sample: Value is the normalized replay
// intensity in [0,1] over [StartTime, EndTime].
type HeatmapPoint struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Value     float64 `json:"value"`
}

// LoudnessSample is a mean-volume probe at a fixed interval.
type LoudnessSample struct {
	Time       float64 `json:"time"`
	MeanVolume float64 `json:"meanVolume"` // dB, negative
}

// Options controls how many windows to pick and how long each one is.
type Options struct {
	ClipCount    int
	ClipDuration float64
}

// nearEndGuard rejects windows starting within this many seconds of the
// video end; such windows would be degenerate.
const nearEndGuard = 10

type candidate struct {
	anchor float64
	rank   float64
	score  int
	reason string
}

// FromHeatmap picks up to ClipCount non-overlapping windows centered on the
// highest-intensity heatmap samples. Returns nil when no window survives
// the rejection rules; the caller then falls back to loudness analysis.
func FromHeatmap(points []HeatmapPoint, videoDuration float64, opts Options) []Window {
	cands := make([]candidate, 0, len(points))
	for _, p := range points {
		pct := int(math.Round(p.Value * 100))
		cands = append(cands, candidate{
			anchor: (p.StartTime + p.EndTime) / 2,
			rank:   p.Value,
			score:  pct,
			reason: fmt.Sprintf("most replayed (%d%% engagement)", pct),
		})
	}
	return selectWindows(cands, videoDuration, opts)
}

// FromLoudness picks up to ClipCount non-overlapping windows centered on
// the loudest samples. Louder is treated as more interesting.
func FromLoudness(samples []LoudnessSample, videoDuration float64, opts Options) []Window {
	var mean float64
	for _, s := range samples {
		mean += s.MeanVolume
	}
	if len(samples) > 0 {
		mean /= float64(len(samples))
	}

	cands := make([]candidate, 0, len(samples))
	for _, s := range samples {
		cands = append(cands, candidate{
			anchor: s.Time,
			rank:   s.MeanVolume,
			score:  int(math.Round((s.MeanVolume + 50) * 2)),
			reason: loudnessReason(s.MeanVolume, mean),
		})
	}
	return selectWindows(cands, videoDuration, opts)
}

func loudnessReason(volume, mean float64) string {
	switch {
	case volume > mean+5:
		return "high audio energy"
	case volume > mean:
		return "moderate audio energy"
	default:
		return "baseline audio energy"
	}
}

// selectWindows is the shared greedy procedure. Candidates are visited in
// descending score order; each gets a window of exactly ClipDuration
// centered on its anchor (clamped to the video bounds), and is rejected
// when its start lies within ClipDuration of an already-accepted start or
// within nearEndGuard seconds of the video end. The start-proximity rule
// intentionally compares starts rather than true interval overlap; the
// selection depends on this exact arithmetic.
func selectWindows(cands []candidate, videoDuration float64, opts Options) []Window {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].rank > cands[j].rank
	})

	var accepted []Window
	for _, c := range cands {
		if len(accepted) >= opts.ClipCount {
			break
		}

		start := math.Max(0, c.anchor-opts.ClipDuration/2)
		end := start + opts.ClipDuration
		if end > videoDuration {
			end = videoDuration
			start = math.Max(0, end-opts.ClipDuration)
		}

		overlaps := false
		for _, w := range accepted {
			if math.Abs(w.Start-start) < opts.ClipDuration {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		if start >= videoDuration-nearEndGuard {
			continue
		}

		accepted = append(accepted, Window{
			Start:  start,
			End:    end,
			Score:  c.score,
			Reason: c.reason,
		})
	}

	// Presentation order, independent of score order.
	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Start < accepted[j].Start
	})
	return accepted
}
