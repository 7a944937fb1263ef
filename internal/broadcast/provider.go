package broadcast

import (
	"context"
	"io"
)

// Remote lifecycle values reported by the provider.
const (
	RemoteCreated      = "created"
	RemoteReady        = "ready"
	RemoteTesting      = "testing"
	RemoteLiveStarting = "liveStarting"
	RemoteLive         = "live"
	RemoteComplete     = "complete"

	StreamActive = "active"
)

// BroadcastSpec describes a broadcast to create.
type BroadcastSpec struct {
	Title       string
	Description string
	Privacy     string
	CategoryID  string
}

// StreamInfo is a created ingest stream.
type StreamInfo struct {
	ID        string
	IngestURL string
	StreamKey string
}

// VideoSpec describes an uploaded video.
type VideoSpec struct {
	Title       string
	Description string
	Privacy     string
	CategoryID  string
}

// Provider is the remote live-broadcast service.
type Provider interface {
	Authenticate(ctx context.Context) error
	InsertBroadcast(ctx context.Context, spec BroadcastSpec) (string, error)
	InsertStream(ctx context.Context, title string) (StreamInfo, error)
	Bind(ctx context.Context, broadcastID, streamID string) error
	StreamStatus(ctx context.Context, streamID string) (string, error)
	Lifecycle(ctx context.Context, broadcastID string) (string, error)
	Transition(ctx context.Context, broadcastID, status string) error
	SetPrivacy(ctx context.Context, videoID, privacy string) error
	GetPrivacy(ctx context.Context, videoID string) (string, error)
	SendChatMessage(ctx context.Context, broadcastID, text string) error
	SetThumbnail(ctx context.Context, videoID string, image io.Reader) error
	UploadVideo(ctx context.Context, spec VideoSpec, media io.Reader) (string, error)
	EnsurePlaylist(ctx context.Context, name, privacy string) (string, error)
	AddVideoToPlaylist(ctx context.Context, playlistID, videoID string) error
}
