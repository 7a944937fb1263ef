package audio

import (
	"context"
	"io"
	"strconv"
	"time"

	"printstreamer/internal/encoder"
)

// PreviewLength bounds a track preview.
const PreviewLength = 30 * time.Second

// SilenceArgs produce a real-time silent MP3 stream.
func SilenceArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-re", "-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo",
		"-c:a", "libmp3lame", "-b:a", "64k", "-f", "mp3", "pipe:1",
	}
}

// PreviewArgs produce the first PreviewLength of track as MP3.
func PreviewArgs(track Track) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-i", track.Path, "-t", strconv.Itoa(int(PreviewLength / time.Second)),
		"-vn", "-c:a", "libmp3lame", "-b:a", "128k", "-f", "mp3", "pipe:1",
	}
}

// ServeSilence writes silence to w until ctx is done. It is used instead of
// the broadcaster while audio is disabled.
func ServeSilence(ctx context.Context, s encoder.Spawner, w io.Writer) error {
	_, err := encoder.StreamTo(ctx, s, "audio-silence", SilenceArgs(), w)
	return err
}

// ServePreview writes a preview of track to w with its own encoder.
func ServePreview(ctx context.Context, s encoder.Spawner, track Track, w io.Writer) error {
	_, err := encoder.StreamTo(ctx, s, "audio-preview", PreviewArgs(track), w)
	return err
}

// ProbeDurations fills in missing track durations with probe.
func ProbeDurations(ctx context.Context, lib *Library, probe func(ctx context.Context, path string) (time.Duration, error)) int {
	n := 0
	for _, t := range lib.Tracks() {
		if t.Duration > 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		d, err := probe(ctx, t.Path)
		if err != nil {
			continue
		}
		lib.SetDuration(t.Path, d)
		n++
	}
	return n
}
