package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"
)

// Config is the static configuration of a PrintStreamer process.
type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	Encoder   EncoderConfig
	Stream    StreamConfig
	Audio     AudioConfig
	Moonraker MoonrakerConfig
	Overlay   OverlayConfig
	YouTube   YouTubeConfig
	Timelapse TimelapseConfig
}

type EncoderConfig struct {
	Path      string
	ProbePath string
}

type StreamConfig struct {
	Source       string
	TargetFps    int
	BitrateKbps  int
	LocalEnabled bool
	FallbackPath string
}

type AudioConfig struct {
	Enabled bool
	Folder  string
}

type MoonrakerConfig struct {
	BaseURL       string
	APIKey        string
	AuthHeader    string
	Notifications bool
}

type OverlayConfig struct {
	Enabled    bool
	Template   string
	FontFile   string
	FontSize   int
	FontColor  string
	Box        bool
	BoxColor   string
	BoxBorderW int
	X          string
	Y          string
	Refresh    time.Duration
	TextPath   string
}

type YouTubeConfig struct {
	ClientID          string
	ClientSecret      string
	RefreshToken      string
	TokenFile         string
	RedirectURL       string
	MinInterval       time.Duration
	TransitionMaxWait time.Duration
	TransitionTries   int

	Broadcast BroadcastConfig
	Playlist  PlaylistConfig
	Upload    UploadConfig
}

type BroadcastConfig struct {
	Title               string
	Description         string
	Privacy             string
	CategoryID          string
	Enabled             bool
	EndStreamAfterPrint bool
}

type PlaylistConfig struct {
	Name    string
	Privacy string
}

type UploadConfig struct {
	Enabled    bool
	Privacy    string
	CategoryID string
}

type TimelapseConfig struct {
	MainFolder                string
	Period                    time.Duration
	LastLayerOffset           int
	LastLayerRemainingSeconds int
	LastLayerProgressPercent  float64
}

const defaultOverlayTemplate = "Nozzle {nozzle:0}/{nozzleTarget:0}C  Bed {bed:0}/{bedTarget:0}C  " +
	"Layer {layer}/{layers}  {progress:0}%  ETA {eta}"

// FromEnv builds a Config from the process environment. Call Load first to
// merge a .env file.
func FromEnv() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		HTTPAddr:      GetEnv("HTTP_ADDR", ":8080"),
		PublicBaseURL: GetEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),
		LogFormat:     GetEnv("LOG_FORMAT", "json"),
		Encoder: EncoderConfig{
			Path:      GetEnv("ENCODER_PATH", "ffmpeg"),
			ProbePath: GetEnv("PROBE_PATH", "ffprobe"),
		},
		Stream: StreamConfig{
			Source:       GetEnv("STREAM_SOURCE", ""),
			TargetFps:    GetEnvInt("STREAM_TARGET_FPS", 6),
			BitrateKbps:  GetEnvInt("STREAM_BITRATE_KBPS", 2500),
			LocalEnabled: GetEnvBool("STREAM_LOCAL_ENABLED", false),
			FallbackPath: GetEnv("STREAM_FALLBACK_PATH", filepath.Join(cwd, "fallback_black.jpg")),
		},
		Audio: AudioConfig{
			Enabled: GetEnvBool("AUDIO_ENABLED", false),
			Folder:  GetEnv("AUDIO_FOLDER", filepath.Join(cwd, "music")),
		},
		Moonraker: MoonrakerConfig{
			BaseURL:       strings.TrimRight(GetEnv("MOONRAKER_BASE_URL", ""), "/"),
			APIKey:        GetEnv("MOONRAKER_API_KEY", ""),
			AuthHeader:    GetEnv("MOONRAKER_AUTH_HEADER", "X-Api-Key"),
			Notifications: GetEnvBool("MOONRAKER_NOTIFICATIONS", true),
		},
		Overlay: OverlayConfig{
			Enabled:    GetEnvBool("OVERLAY_ENABLED", true),
			Template:   GetEnv("OVERLAY_TEMPLATE", defaultOverlayTemplate),
			FontFile:   GetEnv("OVERLAY_FONT_FILE", ""),
			FontSize:   GetEnvInt("OVERLAY_FONT_SIZE", 20),
			FontColor:  GetEnv("OVERLAY_FONT_COLOR", "white"),
			Box:        GetEnvBool("OVERLAY_BOX", true),
			BoxColor:   GetEnv("OVERLAY_BOX_COLOR", "black@0.5"),
			BoxBorderW: GetEnvInt("OVERLAY_BOX_BORDER_W", 6),
			X:          GetEnv("OVERLAY_X", "10"),
			Y:          GetEnv("OVERLAY_Y", "h-th-10"),
			Refresh:    time.Duration(GetEnvInt("OVERLAY_REFRESH_MS", 1000)) * time.Millisecond,
			TextPath:   GetEnv("OVERLAY_TEXT_PATH", filepath.Join(os.TempDir(), "printstreamer", "overlay.txt")),
		},
		YouTube: YouTubeConfig{
			ClientID:          GetEnv("YOUTUBE_OAUTH_CLIENT_ID", ""),
			ClientSecret:      GetEnv("YOUTUBE_OAUTH_CLIENT_SECRET", ""),
			RefreshToken:      GetEnv("YOUTUBE_OAUTH_REFRESH_TOKEN", ""),
			TokenFile:         GetEnv("YOUTUBE_TOKEN_FILE", filepath.Join(cwd, "youtube_token.json")),
			RedirectURL:       GetEnv("YOUTUBE_OAUTH_REDIRECT_URL", "http://127.0.0.1:8085/oauth2callback"),
			MinInterval:       GetEnvDuration("YOUTUBE_API_MIN_INTERVAL", 500*time.Millisecond),
			TransitionMaxWait: GetEnvDuration("YOUTUBE_TRANSITION_MAX_WAIT", 180*time.Second),
			TransitionTries:   GetEnvInt("YOUTUBE_TRANSITION_MAX_ATTEMPTS", 12),
			Broadcast: BroadcastConfig{
				Title:               GetEnv("YOUTUBE_LIVE_BROADCAST_TITLE", "3D print live"),
				Description:         GetEnv("YOUTUBE_LIVE_BROADCAST_DESCRIPTION", ""),
				Privacy:             GetEnv("YOUTUBE_LIVE_BROADCAST_PRIVACY", "unlisted"),
				CategoryID:          GetEnv("YOUTUBE_LIVE_BROADCAST_CATEGORY_ID", "28"),
				Enabled:             GetEnvBool("YOUTUBE_LIVE_BROADCAST_ENABLED", false),
				EndStreamAfterPrint: GetEnvBool("YOUTUBE_LIVE_BROADCAST_END_STREAM_AFTER_PRINT", true),
			},
			Playlist: PlaylistConfig{
				Name:    GetEnv("YOUTUBE_PLAYLIST_NAME", ""),
				Privacy: GetEnv("YOUTUBE_PLAYLIST_PRIVACY", "unlisted"),
			},
			Upload: UploadConfig{
				Enabled:    GetEnvBool("YOUTUBE_TIMELAPSE_UPLOAD_ENABLED", false),
				Privacy:    GetEnv("YOUTUBE_TIMELAPSE_UPLOAD_PRIVACY", "unlisted"),
				CategoryID: GetEnv("YOUTUBE_TIMELAPSE_UPLOAD_CATEGORY_ID", "28"),
			},
		},
		Timelapse: TimelapseConfig{
			MainFolder:                GetEnv("TIMELAPSE_MAIN_FOLDER", filepath.Join(cwd, "timelapse")),
			Period:                    GetEnvDuration("TIMELAPSE_PERIOD", time.Minute),
			LastLayerOffset:           GetEnvInt("TIMELAPSE_LAST_LAYER_OFFSET", 1),
			LastLayerRemainingSeconds: GetEnvInt("TIMELAPSE_LAST_LAYER_REMAINING_SECONDS", 30),
			LastLayerProgressPercent:  GetEnvFloat("TIMELAPSE_LAST_LAYER_PROGRESS_PERCENT", 98.5),
		},
	}
}

// ErrMissingKeys wraps every validation failure so callers can print Usage.
var ErrMissingKeys = errors.New("missing required configuration")

// Validate reports every missing required key at once.
func (c Config) Validate() error {
	var missing []string
	if c.Stream.Source == "" {
		missing = append(missing, "STREAM_SOURCE")
	}
	if c.Moonraker.BaseURL == "" {
		missing = append(missing, "MOONRAKER_BASE_URL")
	}
	if c.YouTube.Broadcast.Enabled || c.YouTube.Upload.Enabled {
		if c.YouTube.ClientID == "" {
			missing = append(missing, "YOUTUBE_OAUTH_CLIENT_ID")
		}
		if c.YouTube.ClientSecret == "" {
			missing = append(missing, "YOUTUBE_OAUTH_CLIENT_SECRET")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
	}
	if c.Overlay.Refresh < 200*time.Millisecond {
		return fmt.Errorf("OVERLAY_REFRESH_MS must be at least 200")
	}
	return nil
}

// YouTubeEnabled reports whether any provider-backed feature is configured.
func (c Config) YouTubeEnabled() bool {
	return c.YouTube.ClientID != "" && c.YouTube.ClientSecret != ""
}

type keyHelp struct {
	name, def, help string
}

var knownKeys = []keyHelp{
	{"HTTP_ADDR", ":8080", "control surface listen address"},
	{"PUBLIC_BASE_URL", "http://127.0.0.1<HTTP_ADDR>", "base URL encoders use to read stage endpoints"},
	{"LOG_LEVEL", "info", "debug | info | warn | error"},
	{"LOG_FORMAT", "json", "json | text"},
	{"ENCODER_PATH", "ffmpeg", "encoder binary"},
	{"PROBE_PATH", "ffprobe", "media probe binary used for track durations"},
	{"STREAM_SOURCE", "(required)", "upstream MJPEG camera URL"},
	{"STREAM_TARGET_FPS", "6", "frame rate of the overlay and mix stages"},
	{"STREAM_BITRATE_KBPS", "2500", "video bitrate of the ingest bridge"},
	{"STREAM_LOCAL_ENABLED", "false", "start the source stage without subscribers"},
	{"STREAM_FALLBACK_PATH", "<cwd>/fallback_black.jpg", "fallback JPEG served while the camera is off"},
	{"AUDIO_ENABLED", "false", "run the audio broadcaster"},
	{"AUDIO_FOLDER", "<cwd>/music", "folder scanned for tracks"},
	{"MOONRAKER_BASE_URL", "(required)", "printer API base URL"},
	{"MOONRAKER_API_KEY", "", "printer API key"},
	{"MOONRAKER_AUTH_HEADER", "X-Api-Key", "header carrying the API key"},
	{"MOONRAKER_NOTIFICATIONS", "true", "subscribe to printer websocket notifications"},
	{"OVERLAY_ENABLED", "true", "draw the overlay text"},
	{"OVERLAY_TEMPLATE", defaultOverlayTemplate, "overlay text template"},
	{"OVERLAY_FONT_FILE", "", "TrueType font for drawtext"},
	{"OVERLAY_FONT_SIZE", "20", ""},
	{"OVERLAY_FONT_COLOR", "white", ""},
	{"OVERLAY_BOX", "true", "draw a box behind the text"},
	{"OVERLAY_BOX_COLOR", "black@0.5", ""},
	{"OVERLAY_BOX_BORDER_W", "6", ""},
	{"OVERLAY_X", "10", "drawtext x expression"},
	{"OVERLAY_Y", "h-th-10", "drawtext y expression"},
	{"OVERLAY_REFRESH_MS", "1000", "overlay refresh period, minimum 200"},
	{"OVERLAY_TEXT_PATH", "<tmp>/printstreamer/overlay.txt", "rendered overlay text file"},
	{"YOUTUBE_OAUTH_CLIENT_ID", "", "required when broadcasting or uploading"},
	{"YOUTUBE_OAUTH_CLIENT_SECRET", "", "required when broadcasting or uploading"},
	{"YOUTUBE_OAUTH_REFRESH_TOKEN", "", "seed refresh token when no token file exists"},
	{"YOUTUBE_OAUTH_REDIRECT_URL", "http://127.0.0.1:8085/oauth2callback", "loopback redirect for the code exchange"},
	{"YOUTUBE_TOKEN_FILE", "<cwd>/youtube_token.json", "persisted OAuth credential"},
	{"YOUTUBE_API_MIN_INTERVAL", "500ms", "minimum spacing between provider calls"},
	{"YOUTUBE_TRANSITION_MAX_WAIT", "180s", "ingestion wait before going live"},
	{"YOUTUBE_TRANSITION_MAX_ATTEMPTS", "12", "live transition attempts"},
	{"YOUTUBE_LIVE_BROADCAST_TITLE", "3D print live", ""},
	{"YOUTUBE_LIVE_BROADCAST_DESCRIPTION", "", ""},
	{"YOUTUBE_LIVE_BROADCAST_PRIVACY", "unlisted", "public | unlisted | private"},
	{"YOUTUBE_LIVE_BROADCAST_CATEGORY_ID", "28", ""},
	{"YOUTUBE_LIVE_BROADCAST_ENABLED", "false", "start a broadcast when a print starts"},
	{"YOUTUBE_LIVE_BROADCAST_END_STREAM_AFTER_PRINT", "true", "end the broadcast when the print ends"},
	{"YOUTUBE_PLAYLIST_NAME", "", "playlist receiving uploaded timelapses"},
	{"YOUTUBE_PLAYLIST_PRIVACY", "unlisted", ""},
	{"YOUTUBE_TIMELAPSE_UPLOAD_ENABLED", "false", "upload timelapses after finalize"},
	{"YOUTUBE_TIMELAPSE_UPLOAD_PRIVACY", "unlisted", ""},
	{"YOUTUBE_TIMELAPSE_UPLOAD_CATEGORY_ID", "28", ""},
	{"TIMELAPSE_MAIN_FOLDER", "<cwd>/timelapse", "session root"},
	{"TIMELAPSE_PERIOD", "1m", "capture period"},
	{"TIMELAPSE_LAST_LAYER_OFFSET", "1", "layers before the end that count as last layer"},
	{"TIMELAPSE_LAST_LAYER_REMAINING_SECONDS", "30", "remaining seconds that count as last layer"},
	{"TIMELAPSE_LAST_LAYER_PROGRESS_PERCENT", "98.5", "progress percent that counts as last layer"},
}

// Usage writes the help dump of every recognised key.
func Usage(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tDEFAULT\tDESCRIPTION")
	for _, k := range knownKeys {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k.name, k.def, k.help)
	}
	tw.Flush()
}
