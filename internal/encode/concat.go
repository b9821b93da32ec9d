package encode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoSegments is returned when Concat is called with no segment paths.
var ErrNoSegments = errors.New("encode: no segments to concatenate")

// Concatenator joins already-encoded segment files into one output MP4
// using ffmpeg's concat demuxer, grounded on the teacher's JoinVideos
// (fast stream-copy first, re-encode fallback on failure).
type Concatenator struct {
	ffmpegPath string
	timeout    time.Duration
}

// NewConcatenator creates a Concatenator. If ffmpegPath is empty, it
// defaults to "ffmpeg" resolved via PATH.
func NewConcatenator(ffmpegPath string, timeout time.Duration) *Concatenator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Concatenator{ffmpegPath: ffmpegPath, timeout: timeout}
}

// Concat joins segmentPaths, in order, into output. It first attempts a
// stream copy (no re-encode); if that fails — e.g. segments encoded with
// slightly different parameters — it falls back to a full re-encode.
func (c *Concatenator) Concat(ctx context.Context, segmentPaths []string, output string) error {
	if len(segmentPaths) == 0 {
		return ErrNoSegments
	}
	if len(segmentPaths) == 1 {
		return copyFile(segmentPaths[0], output)
	}

	listFile, err := writeConcatList(segmentPaths)
	if err != nil {
		return fmt.Errorf("encode: create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	runCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.run(runCtx, concatCopyArgs(listFile, output)); err == nil {
		return nil
	}

	runCtx2, cancel2 := withTimeout(ctx, c.timeout)
	defer cancel2()
	return c.run(runCtx2, concatReencodeArgs(listFile, output))
}

func concatCopyArgs(listFile, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		output,
	}
}

func concatReencodeArgs(listFile, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		output,
	}
}

func (c *Concatenator) run(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("encode: concat cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func writeConcatList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "encode-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("absolute path for %s: %w", p, err)
		}
		escaped := strings.ReplaceAll(abs, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			return "", fmt.Errorf("write concat list: %w", err)
		}
	}
	return f.Name(), nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src) // #nosec G304 - src is produced by our own render pipeline
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
