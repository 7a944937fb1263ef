package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoSettings are the encoding parameters shared by the video stages.
type VideoSettings struct {
	FPS         int
	BitrateKbps int
}

func (v VideoSettings) withDefaults() VideoSettings {
	if v.FPS <= 0 {
		v.FPS = 6
	}
	if v.BitrateKbps <= 0 {
		v.BitrateKbps = 2500
	}
	return v
}

// TextSettings configure the burned-in overlay text.
type TextSettings struct {
	TextPath   string
	FontFile   string
	FontSize   int
	FontColor  string
	Box        bool
	BoxColor   string
	BoxBorderW int
	X          string
	Y          string
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)

// DrawText builds the drawtext filter that re-reads the overlay file every
// frame.
func DrawText(t TextSettings) string {
	opts := []string{
		"textfile=" + filterEscaper.Replace(t.TextPath),
		"reload=1",
	}
	if t.FontFile != "" {
		opts = append(opts, "fontfile="+filterEscaper.Replace(t.FontFile))
	}
	if t.FontSize > 0 {
		opts = append(opts, "fontsize="+strconv.Itoa(t.FontSize))
	}
	if t.FontColor != "" {
		opts = append(opts, "fontcolor="+filterEscaper.Replace(t.FontColor))
	}
	if t.Box {
		opts = append(opts, "box=1")
		if t.BoxColor != "" {
			opts = append(opts, "boxcolor="+filterEscaper.Replace(t.BoxColor))
		}
		opts = append(opts, "boxborderw="+strconv.Itoa(t.BoxBorderW))
	}
	x, y := t.X, t.Y
	if x == "" {
		x = "10"
	}
	if y == "" {
		y = "h-th-10"
	}
	opts = append(opts, "x="+filterEscaper.Replace(x), "y="+filterEscaper.Replace(y))
	return "drawtext=" + strings.Join(opts, ":")
}

var commonArgs = []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}

func httpInput(format, url string) []string {
	return []string{
		"-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "2",
		"-f", format, "-i", url,
	}
}

// OverlayArgs read the source MJPEG and write MJPEG frames to stdout, with
// the text filter applied when text is non-nil.
func OverlayArgs(input string, v VideoSettings, text *TextSettings) []string {
	v = v.withDefaults()
	filter := fmt.Sprintf("fps=%d", v.FPS)
	if text != nil {
		filter = DrawText(*text) + "," + filter
	}
	args := append([]string{}, commonArgs...)
	args = append(args, httpInput("mjpeg", input)...)
	return append(args,
		"-vf", filter,
		"-c:v", "mjpeg", "-q:v", "5",
		"-f", "mjpeg", "pipe:1",
	)
}

// Container selects the mix output format.
type Container string

const (
	// ContainerMP4 is fragmented MP4 for HTTP clients.
	ContainerMP4 Container = "mp4"
	// ContainerTS is MPEG-TS, which a restarted consumer can join at any
	// packet boundary.
	ContainerTS Container = "mpegts"
)

// MixArgs combine the overlay video and the audio stream.
func MixArgs(video, audio string, v VideoSettings, c Container) []string {
	v = v.withDefaults()
	gop := strconv.Itoa(v.FPS * 2)
	kbps := strconv.Itoa(v.BitrateKbps)
	args := append([]string{}, commonArgs...)
	args = append(args, httpInput("mjpeg", video)...)
	args = append(args, httpInput("mp3", audio)...)
	args = append(args,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p", "-r", strconv.Itoa(v.FPS), "-g", gop, "-keyint_min", gop,
		"-b:v", kbps+"k", "-maxrate", kbps+"k", "-bufsize", strconv.Itoa(v.BitrateKbps*2)+"k",
		"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
	)
	if c == ContainerTS {
		return append(args, "-f", "mpegts", "pipe:1")
	}
	return append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4", "pipe:1")
}

// IngestArgs relay an MPEG-TS stream from stdin to the RTMP target without
// re-encoding.
func IngestArgs(target string) []string {
	args := append([]string{}, commonArgs[:3]...)
	return append(args,
		"-f", "mpegts", "-i", "pipe:0",
		"-c", "copy", "-f", "flv", target,
	)
}

// CaptureArgs grab a single JPEG from an MJPEG input.
func CaptureArgs(input string) []string {
	args := append([]string{}, commonArgs...)
	args = append(args, "-f", "mjpeg", "-i", input)
	return append(args, "-frames:v", "1", "-c:v", "mjpeg", "-f", "image2", "pipe:1")
}
