package job

import (
	"testing"

	"github.com/rendercore/orchestrator/internal/scenario"
)

func newTestJob() *Job {
	s := scenario.Scenario{Cues: []scenario.Cue{{Start: 0, End: 2, Text: "hi"}}}
	return New("https://example.com/in.mp4", s, Options{Width: 1920, Height: 1080, FPS: 30, Quality: 80}, "https://example.com/cb")
}

func TestNew_InitialState(t *testing.T) {
	j := newTestJob()
	if j.Status != StatusQueued {
		t.Errorf("Status = %v, want %v", j.Status, StatusQueued)
	}
	if j.ID == "" {
		t.Error("expected generated ID")
	}
	if j.Progress != 0 {
		t.Errorf("Progress = %d, want 0", j.Progress)
	}
}

func TestJob_StartCompleteLifecycle(t *testing.T) {
	j := newTestJob()

	if err := j.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if j.GetStatus() != StatusProcessing {
		t.Errorf("Status = %v, want %v", j.GetStatus(), StatusProcessing)
	}
	if j.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	if err := j.Complete("/tmp/out.mp4", "https://s3/out.mp4", 12345); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if j.GetStatus() != StatusCompleted {
		t.Errorf("Status = %v, want %v", j.GetStatus(), StatusCompleted)
	}
	if j.GetProgress() != 100 {
		t.Errorf("Progress = %d, want 100", j.GetProgress())
	}
	if j.OutputPath != "/tmp/out.mp4" || j.OutputURL != "https://s3/out.mp4" || j.FileSize != 12345 {
		t.Error("expected output fields to be set")
	}
	if !j.IsTerminal() {
		t.Error("expected completed job to be terminal")
	}
}

func TestJob_Fail(t *testing.T) {
	j := newTestJob()
	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	if err := j.Fail(ErrorRenderFailure, "gpu oom"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if j.GetStatus() != StatusFailed {
		t.Errorf("Status = %v, want %v", j.GetStatus(), StatusFailed)
	}
	if j.ErrorKind != ErrorRenderFailure || j.ErrorMessage != "gpu oom" {
		t.Error("expected error fields to be set")
	}
}

func TestJob_Cancel(t *testing.T) {
	j := newTestJob()
	if err := j.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if j.GetStatus() != StatusCancelled {
		t.Errorf("Status = %v, want %v", j.GetStatus(), StatusCancelled)
	}
	if j.ErrorKind != ErrorCancelled {
		t.Errorf("ErrorKind = %v, want %v", j.ErrorKind, ErrorCancelled)
	}
}

func TestJob_InvalidTransition(t *testing.T) {
	j := newTestJob()
	if err := j.Complete("", "", 0); err == nil {
		t.Error("expected error completing a queued job directly")
	}

	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	if err := j.Complete("", "", 0); err != nil {
		t.Fatal(err)
	}
	if err := j.Start(); err == nil {
		t.Error("expected error restarting a completed job")
	}
}

func TestJob_SetProgressMonotonic(t *testing.T) {
	j := newTestJob()
	j.SetProgress(40)
	j.SetProgress(10)
	if j.GetProgress() != 40 {
		t.Errorf("Progress = %d, want progress to not regress (40)", j.GetProgress())
	}
	j.SetProgress(150)
	if j.GetProgress() != 100 {
		t.Errorf("Progress = %d, want clamped to 100", j.GetProgress())
	}
}

func TestJob_SetAndUpdateSegments(t *testing.T) {
	j := newTestJob()
	segments := []Segment{
		{Index: 0, Start: 0, End: 10, Status: SegmentPending},
		{Index: 1, Start: 10, End: 20, Status: SegmentPending},
	}
	j.SetSegments(segments)

	j.UpdateSegment(1, Segment{Index: 1, Start: 10, End: 20, Status: SegmentCompleted, OutputPath: "/tmp/seg1.mp4"})

	if j.Segments[1].Status != SegmentCompleted {
		t.Errorf("Segments[1].Status = %v, want %v", j.Segments[1].Status, SegmentCompleted)
	}
	if j.Segments[0].Status != SegmentPending {
		t.Error("expected segment 0 to remain untouched")
	}
}

func TestJob_Clone_IsIndependent(t *testing.T) {
	j := newTestJob()
	j.SetSegments([]Segment{{Index: 0, Status: SegmentPending}})

	clone := j.Clone()
	clone.Segments[0].Status = SegmentCompleted
	clone.SetProgress(99)

	if j.Segments[0].Status != SegmentPending {
		t.Error("mutating a clone's segments must not affect the original")
	}
	if j.GetProgress() == 99 {
		t.Error("mutating a clone must not affect the original")
	}
}
