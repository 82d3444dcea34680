package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// ffprobeOutput is the subset of ffprobe's JSON the duration probe
// reads.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration returns the media duration in seconds, as reported by
// ffprobe. The probe runs the configured binary with JSON output so the
// result is parseable regardless of locale.
func (f *Fetcher) ProbeDuration(ctx context.Context, filePath string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		filePath,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", filePath, err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if probe.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", filePath)
	}

	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe duration %q: %w", probe.Format.Duration, err)
	}
	return seconds, nil
}
