package encoder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeDuration asks the probe binary (ffprobe) for the container duration of
// file. s must be a Supervisor built for the probe binary.
func ProbeDuration(ctx context.Context, s *Supervisor, file string) (time.Duration, error) {
	out, err := s.Output(ctx, "probe", []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file,
	})
	if err != nil {
		return 0, err
	}
	return parseProbeSeconds(string(out))
}

func parseProbeSeconds(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("probe: unexpected duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
