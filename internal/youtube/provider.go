package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"printstreamer/internal/broadcast"
	"printstreamer/internal/platform/logger"
)

// Provider implements broadcast.Provider over the YouTube Data API.
type Provider struct {
	auth *Authenticator
	opts []option.ClientOption
	log  *slog.Logger

	mu  sync.RWMutex
	svc *yt.Service

	chatIDs sync.Map
}

var _ broadcast.Provider = (*Provider)(nil)

// NewProvider returns a Provider that authenticates through auth. Extra
// client options are passed to the API client, e.g. a test endpoint.
func NewProvider(auth *Authenticator, log *slog.Logger, opts ...option.ClientOption) *Provider {
	return &Provider{auth: auth, opts: opts, log: logger.WithComponent(log, "youtube")}
}

// Authenticate obtains a credential, running the consent flow when none is
// stored, and builds the API client.
func (p *Provider) Authenticate(ctx context.Context) error {
	return p.connect(ctx, true)
}

// connect builds the API client. Calls made before Authenticate use it with
// interactive false so a missing credential fails instead of prompting.
func (p *Provider) connect(ctx context.Context, interactive bool) error {
	opts := append([]option.ClientOption(nil), p.opts...)
	if p.auth != nil {
		source := p.auth.StoredTokenSource
		if interactive {
			source = p.auth.TokenSource
		}
		ts, err := source(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	svc, err := yt.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return fmt.Errorf("create youtube client: %w", err)
	}
	p.mu.Lock()
	p.svc = svc
	p.mu.Unlock()
	return nil
}

func (p *Provider) service(ctx context.Context) (*yt.Service, error) {
	p.mu.RLock()
	svc := p.svc
	p.mu.RUnlock()
	if svc != nil {
		return svc, nil
	}
	if err := p.connect(ctx, false); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.svc, nil
}

func (p *Provider) InsertBroadcast(ctx context.Context, spec broadcast.BroadcastSpec) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	b := &yt.LiveBroadcast{
		Snippet: &yt.LiveBroadcastSnippet{
			Title:              spec.Title,
			Description:        spec.Description,
			ScheduledStartTime: time.Now().UTC().Format(time.RFC3339),
		},
		Status: &yt.LiveBroadcastStatus{
			PrivacyStatus:           spec.Privacy,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
		ContentDetails: &yt.LiveBroadcastContentDetails{
			EnableAutoStart: false,
			EnableAutoStop:  false,
			MonitorStream: &yt.MonitorStreamInfo{
				EnableMonitorStream: googleapi.Bool(false),
				ForceSendFields:     []string{"EnableMonitorStream"},
			},
			ForceSendFields: []string{"EnableAutoStart", "EnableAutoStop"},
		},
	}
	res, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, b).Context(ctx).Do()
	if err != nil {
		return "", translate("liveBroadcasts.insert", err)
	}
	p.log.Info("broadcast created", slog.String("broadcast_id", res.Id), slog.String("privacy", spec.Privacy))
	if spec.CategoryID != "" {
		// Category lives on the video resource, not the broadcast.
		v := &yt.Video{Id: res.Id, Snippet: &yt.VideoSnippet{Title: spec.Title, Description: spec.Description, CategoryId: spec.CategoryID}}
		if _, err := svc.Videos.Update([]string{"snippet"}, v).Context(ctx).Do(); err != nil {
			p.log.Warn("could not set broadcast category", slog.String("error", err.Error()))
		}
	}
	return res.Id, nil
}

func (p *Provider) InsertStream(ctx context.Context, title string) (broadcast.StreamInfo, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return broadcast.StreamInfo{}, err
	}
	s := &yt.LiveStream{
		Snippet: &yt.LiveStreamSnippet{Title: title},
		Cdn: &yt.CdnSettings{
			IngestionType: "rtmp",
			Resolution:    "variable",
			FrameRate:     "variable",
		},
	}
	res, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, s).Context(ctx).Do()
	if err != nil {
		return broadcast.StreamInfo{}, translate("liveStreams.insert", err)
	}
	if res.Cdn == nil || res.Cdn.IngestionInfo == nil {
		return broadcast.StreamInfo{}, &broadcast.ProviderError{Op: "liveStreams.insert", Code: http.StatusBadGateway, Message: "stream has no ingestion info"}
	}
	return broadcast.StreamInfo{
		ID:        res.Id,
		IngestURL: res.Cdn.IngestionInfo.IngestionAddress,
		StreamKey: res.Cdn.IngestionInfo.StreamName,
	}, nil
}

func (p *Provider) Bind(ctx context.Context, broadcastID, streamID string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	_, err = svc.LiveBroadcasts.Bind(broadcastID, []string{"id", "contentDetails"}).StreamId(streamID).Context(ctx).Do()
	return translate("liveBroadcasts.bind", err)
}

func (p *Provider) StreamStatus(ctx context.Context, streamID string) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	res, err := svc.LiveStreams.List([]string{"status"}).Id(streamID).Context(ctx).Do()
	if err != nil {
		return "", translate("liveStreams.list", err)
	}
	if len(res.Items) == 0 || res.Items[0].Status == nil {
		return "", notFound("liveStreams.list", streamID)
	}
	return res.Items[0].Status.StreamStatus, nil
}

func (p *Provider) getBroadcast(ctx context.Context, id string, parts ...string) (*yt.LiveBroadcast, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}
	res, err := svc.LiveBroadcasts.List(parts).Id(id).Context(ctx).Do()
	if err != nil {
		return nil, translate("liveBroadcasts.list", err)
	}
	if len(res.Items) == 0 {
		return nil, notFound("liveBroadcasts.list", id)
	}
	return res.Items[0], nil
}

func (p *Provider) Lifecycle(ctx context.Context, broadcastID string) (string, error) {
	b, err := p.getBroadcast(ctx, broadcastID, "status")
	if err != nil {
		return "", err
	}
	if b.Status == nil {
		return "", nil
	}
	return b.Status.LifeCycleStatus, nil
}

func (p *Provider) Transition(ctx context.Context, broadcastID, status string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	_, err = svc.LiveBroadcasts.Transition(status, broadcastID, []string{"status"}).Context(ctx).Do()
	return translate("liveBroadcasts.transition", err)
}

func (p *Provider) SetPrivacy(ctx context.Context, videoID, privacy string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	v := &yt.Video{Id: videoID, Status: &yt.VideoStatus{PrivacyStatus: privacy}}
	_, err = svc.Videos.Update([]string{"status"}, v).Context(ctx).Do()
	return translate("videos.update", err)
}

func (p *Provider) GetPrivacy(ctx context.Context, videoID string) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	res, err := svc.Videos.List([]string{"status"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", translate("videos.list", err)
	}
	if len(res.Items) == 0 || res.Items[0].Status == nil {
		return "", notFound("videos.list", videoID)
	}
	return res.Items[0].Status.PrivacyStatus, nil
}

func (p *Provider) SendChatMessage(ctx context.Context, broadcastID, text string) error {
	chatID, err := p.liveChatID(ctx, broadcastID)
	if err != nil {
		return err
	}
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
		LiveChatId:         chatID,
		Type:               "textMessageEvent",
		TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
	}}
	_, err = svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	return translate("liveChatMessages.insert", err)
}

func (p *Provider) liveChatID(ctx context.Context, broadcastID string) (string, error) {
	if v, ok := p.chatIDs.Load(broadcastID); ok {
		return v.(string), nil
	}
	b, err := p.getBroadcast(ctx, broadcastID, "snippet")
	if err != nil {
		return "", err
	}
	if b.Snippet == nil || b.Snippet.LiveChatId == "" {
		return "", &broadcast.ProviderError{Op: "liveBroadcasts.list", Code: http.StatusConflict, Message: "broadcast has no live chat"}
	}
	p.chatIDs.Store(broadcastID, b.Snippet.LiveChatId)
	return b.Snippet.LiveChatId, nil
}

func (p *Provider) SetThumbnail(ctx context.Context, videoID string, image io.Reader) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	_, err = svc.Thumbnails.Set(videoID).Media(image, googleapi.ContentType("image/jpeg")).Context(ctx).Do()
	return translate("thumbnails.set", err)
}

func (p *Provider) UploadVideo(ctx context.Context, spec broadcast.VideoSpec, media io.Reader) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	v := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: spec.Title, Description: spec.Description, CategoryId: spec.CategoryID},
		Status:  &yt.VideoStatus{PrivacyStatus: spec.Privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, v).Media(media, googleapi.ContentType("video/mp4")).Context(ctx).Do()
	if err != nil {
		return "", translate("videos.insert", err)
	}
	p.log.Info("video uploaded", slog.String("video_id", res.Id), slog.String("title", spec.Title))
	return res.Id, nil
}

func (p *Provider) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	call := svc.Playlists.List([]string{"snippet"}).Mine(true).MaxResults(50)
	var found string
	err = call.Pages(ctx, func(res *yt.PlaylistListResponse) error {
		for _, pl := range res.Items {
			if pl.Snippet != nil && pl.Snippet.Title == name {
				found = pl.Id
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return "", translate("playlists.list", err)
	}
	if found != "" {
		return found, nil
	}
	pl := &yt.Playlist{
		Snippet: &yt.PlaylistSnippet{Title: name},
		Status:  &yt.PlaylistStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Playlists.Insert([]string{"snippet", "status"}, pl).Context(ctx).Do()
	if err != nil {
		return "", translate("playlists.insert", err)
	}
	p.log.Info("playlist created", slog.String("playlist_id", res.Id), slog.String("name", name))
	return res.Id, nil
}

var errStopPaging = errors.New("stop paging")

func (p *Provider) AddVideoToPlaylist(ctx context.Context, playlistID, videoID string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	item := &yt.PlaylistItem{Snippet: &yt.PlaylistItemSnippet{
		PlaylistId: playlistID,
		ResourceId: &yt.ResourceId{Kind: "youtube#video", VideoId: videoID},
	}}
	_, err = svc.PlaylistItems.Insert([]string{"snippet"}, item).Context(ctx).Do()
	return translate("playlistItems.insert", err)
}

func notFound(op, id string) error {
	return &broadcast.ProviderError{Op: op, Code: http.StatusNotFound, Reason: "notFound", Message: id + " not found"}
}

// translate maps API errors onto broadcast.ProviderError and
// broadcast.AuthError. nil stays nil.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *broadcast.AuthError
	if errors.As(err, &ae) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if aerr := authError(err); aerr != err {
			return aerr
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	pe := &broadcast.ProviderError{Op: op, Code: gerr.Code, Message: gerr.Message}
	if len(gerr.Errors) > 0 {
		pe.Reason = gerr.Errors[0].Reason
		if pe.Message == "" {
			pe.Message = gerr.Errors[0].Message
		}
	}
	if gerr.Code == http.StatusUnauthorized {
		return &broadcast.AuthError{Reason: pe.Reason, Err: pe}
	}
	return pe
}
