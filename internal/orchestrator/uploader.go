package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"printstreamer/internal/broadcast"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/timelapse"
)

// Publisher is the provider side of a timelapse upload.
type Publisher interface {
	UploadVideo(ctx context.Context, spec broadcast.VideoSpec, media io.Reader) (string, error)
	EnsurePlaylist(ctx context.Context, name, privacy string) (string, error)
	AddVideoToPlaylist(ctx context.Context, playlistID, videoID string) error
}

// Archive is the read/annotate side of the timelapse manager.
type Archive interface {
	Metadata(id string) (timelapse.Metadata, error)
	UpdateMetadata(id string, fn func(*timelapse.Metadata)) error
	VideoPath(id string) (string, error)
}

// UploadSettings controls how produced videos are published.
type UploadSettings struct {
	Privacy         string
	CategoryID      string
	Playlist        string
	PlaylistPrivacy string
}

// Uploader publishes assembled timelapse videos.
type Uploader struct {
	pub      Publisher
	archive  Archive
	settings UploadSettings
	log      *slog.Logger
}

// NewUploader returns an Uploader. pub may be nil when no provider is
// configured; Upload then fails.
func NewUploader(pub Publisher, archive Archive, settings UploadSettings, log *slog.Logger) *Uploader {
	return &Uploader{pub: pub, archive: archive, settings: settings, log: logger.WithComponent(log, "upload")}
}

// Upload publishes the video of session and records the video id in the
// session metadata. A session that was already uploaded returns its id.
// Playlist failures are logged and do not fail the upload.
func (u *Uploader) Upload(ctx context.Context, session string) (string, error) {
	if u.pub == nil {
		return "", fmt.Errorf("upload %s: no provider configured", session)
	}
	meta, err := u.archive.Metadata(session)
	if err != nil {
		return "", err
	}
	if meta.UploadedVideoID != "" {
		return meta.UploadedVideoID, nil
	}
	path, err := u.archive.VideoPath(session)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	spec := broadcast.VideoSpec{
		Title:       meta.Name + " timelapse",
		Description: describe(meta),
		Privacy:     u.settings.Privacy,
		CategoryID:  u.settings.CategoryID,
	}
	videoID, err := u.pub.UploadVideo(ctx, spec, f)
	if err != nil {
		_ = u.archive.UpdateMetadata(session, func(m *timelapse.Metadata) { m.LastError = err.Error() })
		return "", fmt.Errorf("upload %s: %w", session, err)
	}
	if err := u.archive.UpdateMetadata(session, func(m *timelapse.Metadata) {
		m.State = timelapse.StateUploaded
		m.UploadedVideoID = videoID
		m.LastError = ""
	}); err != nil {
		u.log.Warn("could not record upload", slog.String("session", session), slog.String("error", err.Error()))
	}
	u.log.Info("timelapse uploaded", slog.String("session", session), slog.String("video_id", videoID))

	if u.settings.Playlist != "" {
		u.addToPlaylist(ctx, videoID)
	}
	return videoID, nil
}

func (u *Uploader) addToPlaylist(ctx context.Context, videoID string) {
	playlistID, err := u.pub.EnsurePlaylist(ctx, u.settings.Playlist, u.settings.PlaylistPrivacy)
	if err == nil {
		err = u.pub.AddVideoToPlaylist(ctx, playlistID, videoID)
	}
	if err != nil {
		u.log.Warn("could not add video to playlist",
			slog.String("playlist", u.settings.Playlist),
			slog.String("video_id", videoID),
			slog.String("error", err.Error()))
	}
}

func describe(m timelapse.Metadata) string {
	d := "Timelapse of " + m.Name
	if m.JobFilename != "" {
		d += " (" + m.JobFilename + ")"
	}
	if !m.StartedAt.IsZero() {
		d += ", printed " + m.StartedAt.Format("2006-01-02")
	}
	if m.FrameCount > 0 {
		d += fmt.Sprintf(", %d frames", m.FrameCount)
	}
	return d
}
