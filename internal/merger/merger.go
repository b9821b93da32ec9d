// Package merger implements the Segment Merger: it concatenates
// per-worker rendered segment files into a single final MP4, in
// strictly ascending segment-index order, with an optional
// partial-recovery path.
package merger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rendercore/orchestrator/internal/encode"
	"github.com/rendercore/orchestrator/internal/job"
)

// ErrMissingSegments is returned when the segment set doesn't cover
// every index the job expects and partial merge was not requested.
var ErrMissingSegments = errors.New("merger: segment set incomplete")

// ErrNoCompletedSegments is returned when nothing succeeded to merge.
var ErrNoCompletedSegments = errors.New("merger: no completed segments")

// ErrTooManyFailures is returned when partial merge is requested but
// 25% or more of segments failed, per the partial-recovery policy.
var ErrTooManyFailures = errors.New("merger: too many failed segments for partial merge")

const maxPartialFailureRatio = 0.25

// Result is the outcome of a successful merge, mirroring
// app/pipeline/merger.py's merge_segments response shape generalized
// with a Partial flag.
type Result struct {
	OutputPath     string
	FileSize       int64
	SegmentsMerged int
	TotalFrames    int
	Partial        bool
}

// Merger drives concatenation over a Job's completed segments via a
// Concatenator, grounded on
// original_source/app/pipeline/merger.py's SegmentMerger: order
// segments by index, verify completeness, concat, and report.
type Merger struct {
	concat *encode.Concatenator
}

// New creates a Merger backed by the given Concatenator.
func New(concat *encode.Concatenator) *Merger {
	return &Merger{concat: concat}
}

// Merge concatenates the job's segments, in ascending index order, into
// outputPath. allowPartial permits producing a result over a proper
// subset of segments when fewer than 25% failed — the Coordinator
// decides whether to request this, per the core's partial-recovery
// policy.
func (m *Merger) Merge(ctx context.Context, segments []job.Segment, outputPath string, allowPartial bool) (Result, error) {
	ordered := make([]job.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var completed []job.Segment
	var failed int
	for _, seg := range ordered {
		switch seg.Status {
		case job.SegmentCompleted:
			if seg.OutputPath == "" {
				return Result{}, fmt.Errorf("%w: segment %d has no output path", ErrMissingSegments, seg.Index)
			}
			if _, err := os.Stat(seg.OutputPath); err != nil {
				return Result{}, fmt.Errorf("%w: segment %d output missing: %v", ErrMissingSegments, seg.Index, err)
			}
			completed = append(completed, seg)
		case job.SegmentFailed:
			failed++
		}
	}

	if len(completed) == 0 {
		return Result{}, ErrNoCompletedSegments
	}

	partial := failed > 0
	if partial {
		if !allowPartial {
			return Result{}, fmt.Errorf("%w: %d of %d segments failed", ErrMissingSegments, failed, len(ordered))
		}
		ratio := float64(failed) / float64(len(ordered))
		if ratio >= maxPartialFailureRatio {
			return Result{}, fmt.Errorf("%w: %.0f%% of segments failed", ErrTooManyFailures, ratio*100)
		}
	}

	paths := make([]string, len(completed))
	totalFrames := 0
	for i, seg := range completed {
		paths[i] = seg.OutputPath
		totalFrames += seg.FramesProcessed
	}

	if err := m.concat.Concat(ctx, paths, outputPath); err != nil {
		return Result{}, fmt.Errorf("merger: concat: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, fmt.Errorf("merger: stat output: %w", err)
	}

	cleanupSegments(completed)

	return Result{
		OutputPath:     outputPath,
		FileSize:       info.Size(),
		SegmentsMerged: len(completed),
		TotalFrames:    totalFrames,
		Partial:        partial,
	}, nil
}

// cleanupSegments best-effort deletes merged segment files, grounded on
// app/pipeline/merger.py's cleanup_segments (failures are tolerated and
// not surfaced — an orphaned temp file is not worth failing a
// completed job over).
func cleanupSegments(segments []job.Segment) {
	for _, seg := range segments {
		_ = os.Remove(seg.OutputPath)
	}
}
