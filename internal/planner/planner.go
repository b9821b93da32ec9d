// Package planner splits a scenario's time range into segments balanced
// by rendering complexity, so that parallel render workers receive
// roughly equal work.
package planner

import (
	"sort"
	"strings"

	"github.com/rendercore/orchestrator/internal/scenario"
)

const (
	minSegmentDuration = 5.0
	maxSegmentDuration = 60.0
	framesPerSecond    = 30
)

// Segment is one contiguous, cue-annotated time window produced by Split.
type Segment struct {
	Index           int
	Start           float64
	End             float64
	Cues            []scenario.Cue
	ComplexityScore float64
	EstimatedFrames int
}

// ComplexityMap builds a per-integer-second complexity score for the
// scenario over [0, ceil(durationSec)). Weights follow:
// base 1.0 + 0.01*len(text) + 0.5 if a CJK font family is named in
// style + {1.5 elastic/bounce, 0.5 fade/slide, 0 otherwise} by
// animation type + 0.3 if emotion is set and not "neutral"; the sum at
// a second with k>=2 overlapping cues is scaled by (1+0.5*(k-1)).
func ComplexityMap(s scenario.Scenario, durationSec float64) map[int]float64 {
	out := make(map[int]float64)
	if len(s.Cues) == 0 {
		return out
	}

	for second := 0; float64(second) < durationSec; second++ {
		t := float64(second)
		var active []scenario.Cue
		for _, c := range s.Cues {
			if c.Start <= t && t <= c.End {
				active = append(active, c)
			}
		}
		if len(active) == 0 {
			continue
		}

		var complexity float64
		for _, c := range active {
			complexity += cueComplexityAt(c)
		}
		if len(active) > 1 {
			complexity *= 1 + 0.5*float64(len(active)-1)
		}
		out[second] = complexity
	}
	return out
}

func cueComplexityAt(c scenario.Cue) float64 {
	complexity := 1.0
	complexity += float64(len(c.Text)) * 0.01

	if c.Style != nil {
		if font, ok := c.Style["fontFamily"].(string); ok && strings.Contains(font, "CJK") {
			complexity += 0.5
		}
	}

	if c.Animation != nil {
		if animType, ok := c.Animation["type"].(string); ok {
			switch animType {
			case "elastic", "bounce":
				complexity += 1.5
			case "fade", "slide":
				complexity += 0.5
			}
		}
	}

	if c.Emotion != "" && c.Emotion != "neutral" {
		complexity += 0.3
	}

	return complexity
}

// Split divides [0, durationSec) into at most n contiguous segments
// whose accumulated complexity is balanced, attaching each segment's
// overlapping cues. When the scenario has no cues, segments are split
// evenly into n. With cues, a split point is only taken more than
// minSegmentDuration after the previous one, and bisection of the
// longest interval stops once no interval exceeds 2*minSegmentDuration,
// so fewer than n segments can be returned. A scenario whose duration
// is at or below the minimum segment duration collapses to a single
// segment regardless of n.
func Split(s scenario.Scenario, durationSec float64, n int) []Segment {
	if n < 1 {
		n = 1
	}
	if durationSec <= 0 {
		return []Segment{{Index: 0, Start: 0, End: 0}}
	}
	if durationSec <= minSegmentDuration {
		n = 1
	}

	if len(s.Cues) == 0 {
		return evenSplit(durationSec, n)
	}

	cmap := ComplexityMap(s, durationSec)
	points := findOptimalSplitPoints(cmap, durationSec, n)
	return buildSegments(s, cmap, points)
}

func evenSplit(durationSec float64, n int) []Segment {
	segDur := durationSec / float64(n)
	segments := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * segDur
		end := float64(i+1) * segDur
		if i == n-1 {
			end = durationSec
		}
		segments = append(segments, Segment{
			Index:           i,
			Start:           start,
			End:             end,
			ComplexityScore: 1.0,
			EstimatedFrames: int((end - start) * framesPerSecond),
		})
	}
	return segments
}

func findOptimalSplitPoints(cmap map[int]float64, durationSec float64, n int) []float64 {
	points := []float64{0.0}

	if len(cmap) == 0 {
		segDur := durationSec / float64(n)
		for i := 1; i < n; i++ {
			points = append(points, float64(i)*segDur)
		}
		return append(points, durationSec)
	}

	seconds := make([]int, 0, len(cmap))
	for sec := range cmap {
		seconds = append(seconds, sec)
	}
	sort.Ints(seconds)

	var total float64
	for _, c := range cmap {
		total += c
	}
	target := total / float64(n)

	var running float64
	lastSplit := 0.0

	for _, sec := range seconds {
		running += cmap[sec]
		if running < target {
			continue
		}

		best := findBestSplitNear(cmap, float64(sec), lastSplit, minFloat(durationSec, float64(sec)+5))
		if best > lastSplit+minSegmentDuration {
			points = append(points, best)
			running = 0
			lastSplit = best
			if len(points) >= n {
				break
			}
		}
	}

	for len(points) < n {
		largestGapIdx := 0
		largestGap := 0.0
		for i := 0; i < len(points)-1; i++ {
			gap := points[i+1] - points[i]
			if gap > largestGap {
				largestGap = gap
				largestGapIdx = i
			}
		}
		if largestGap > minSegmentDuration*2 {
			mid := (points[largestGapIdx] + points[largestGapIdx+1]) / 2
			points = insertAt(points, largestGapIdx+1, mid)
		} else {
			break
		}
	}

	if points[len(points)-1] < durationSec {
		points = append(points, durationSec)
	}

	sort.Float64s(points)
	return points
}

// findBestSplitNear searches seconds in [target-2, target+3) (clamped to
// [minTime, maxTime)) for the lowest-complexity second, returning
// immediately on the first silent (complexity == 0) second found.
func findBestSplitNear(cmap map[int]float64, target, minTime, maxTime float64) float64 {
	best := target
	minComplexity := -1.0

	lo := int(maxFloat(minTime, target-2))
	hi := int(minFloat(maxTime, target+3))

	for sec := lo; sec < hi; sec++ {
		c := cmap[sec]
		if minComplexity < 0 || c < minComplexity {
			minComplexity = c
			best = float64(sec)
		}
		if c == 0 {
			return float64(sec)
		}
	}
	return best
}

func buildSegments(s scenario.Scenario, cmap map[int]float64, points []float64) []Segment {
	segments := make([]Segment, 0, len(points)-1)
	for i := 0; i < len(points)-1; i++ {
		start, end := points[i], points[i+1]
		segments = append(segments, Segment{
			Index:           i,
			Start:           start,
			End:             end,
			Cues:            segmentCues(s.Cues, start, end),
			ComplexityScore: segmentComplexity(cmap, start, end),
			EstimatedFrames: int((end - start) * framesPerSecond),
		})
	}
	return segments
}

func segmentCues(cues []scenario.Cue, start, end float64) []scenario.Cue {
	var out []scenario.Cue
	for _, c := range cues {
		if c.Overlaps(start, end) {
			out = append(out, c)
		}
	}
	return out
}

func segmentComplexity(cmap map[int]float64, start, end float64) float64 {
	var total float64
	for sec := int(start); sec <= int(end); sec++ {
		total += cmap[sec]
	}
	return total
}

func insertAt(s []float64, idx int, v float64) []float64 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
