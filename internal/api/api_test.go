package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"printstreamer/internal/audio"
	"printstreamer/internal/broadcast"
	"printstreamer/internal/moonraker"
	"printstreamer/internal/orchestrator"
	"printstreamer/internal/pipeline"
	"printstreamer/internal/platform/config"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
	"printstreamer/internal/ratelimit"
	"printstreamer/internal/timelapse"
	"printstreamer/internal/webcam"
)

type stubCam struct{}

func (stubCam) Snapshot(context.Context) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, nil
}

type stubRunner struct{}

func (stubRunner) Run(_ context.Context, _ string, args []string) error {
	return os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

// stubProvider answers every call without a remote service.
type stubProvider struct {
	privacy string
	chat    []string
}

func (p *stubProvider) Authenticate(context.Context) error { return nil }
func (p *stubProvider) InsertBroadcast(context.Context, broadcast.BroadcastSpec) (string, error) {
	return "bc-1", nil
}
func (p *stubProvider) InsertStream(context.Context, string) (broadcast.StreamInfo, error) {
	return broadcast.StreamInfo{ID: "st-1", IngestURL: "rtmp://ingest/live2", StreamKey: "key"}, nil
}
func (p *stubProvider) Bind(context.Context, string, string) error { return nil }
func (p *stubProvider) StreamStatus(context.Context, string) (string, error) {
	return broadcast.StreamActive, nil
}
func (p *stubProvider) Lifecycle(context.Context, string) (string, error) {
	return broadcast.RemoteReady, nil
}
func (p *stubProvider) Transition(context.Context, string, string) error { return nil }
func (p *stubProvider) SetPrivacy(_ context.Context, _ string, privacy string) error {
	p.privacy = privacy
	return nil
}
func (p *stubProvider) GetPrivacy(context.Context, string) (string, error) { return p.privacy, nil }
func (p *stubProvider) SendChatMessage(_ context.Context, _ string, text string) error {
	p.chat = append(p.chat, text)
	return nil
}
func (p *stubProvider) SetThumbnail(context.Context, string, io.Reader) error { return nil }
func (p *stubProvider) UploadVideo(context.Context, broadcast.VideoSpec, io.Reader) (string, error) {
	return "vid-1", nil
}
func (p *stubProvider) EnsurePlaylist(context.Context, string, string) (string, error) {
	return "pl-1", nil
}
func (p *stubProvider) AddVideoToPlaylist(context.Context, string, string) error { return nil }

func newTestRouter(t *testing.T, d Deps) http.Handler {
	t.Helper()
	return NewRouter(d, logger.Discard(), metrics.New())
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{badRequest{err: errors.New("x")}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", timelapse.ErrInvalidFrame), http.StatusBadRequest},
		{audio.ErrOutOfRange, http.StatusBadRequest},
		{timelapse.ErrNotFound, http.StatusNotFound},
		{audio.ErrTrackUnknown, http.StatusNotFound},
		{broadcast.ErrActive, http.StatusConflict},
		{timelapse.ErrNoFrames, http.StatusConflict},
		{unavailable("x"), http.StatusServiceUnavailable},
		{orchestrator.ErrNoBroadcaster, http.StatusServiceUnavailable},
		{&broadcast.ProviderError{Op: "insert", Code: 403}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMissingComponentsAnswer503(t *testing.T) {
	h := newTestRouter(t, Deps{})
	for _, path := range []string{"/api/live/status", "/api/timelapses/", "/api/audio/state", "/api/jobs", "/api/debug/pipeline"} {
		rec, body := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s: status %d, want 503", path, rec.Code)
		}
		if body["success"] != false || body["error"] == "" {
			t.Errorf("GET %s: envelope = %v", path, body)
		}
	}
}

func TestConfigToggles(t *testing.T) {
	rt := config.NewRuntime(config.Config{})
	h := newTestRouter(t, Deps{Runtime: rt})

	rec, body := do(t, h, http.MethodPost, "/api/config/auto-upload", `{"enabled":true}`)
	if rec.Code != http.StatusOK || body["enabled"] != true {
		t.Fatalf("enable: %d %v", rec.Code, body)
	}
	if !rt.AutoUpload.Load() {
		t.Error("AutoUpload not set")
	}

	// An empty body flips the flag.
	_, body = do(t, h, http.MethodPost, "/api/config/auto-upload", "")
	if body["enabled"] != false || rt.AutoUpload.Load() {
		t.Errorf("flip: %v", body)
	}

	rec, _ = do(t, h, http.MethodPost, "/api/config/end-after-song", `{"enabled":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", rec.Code)
	}

	_, body = do(t, h, http.MethodGet, "/api/config/state", "")
	state, _ := body["runtime"].(map[string]any)
	if state["autoUpload"] != false || state["endAfterSong"] != false {
		t.Errorf("state = %v", state)
	}
}

func TestConfigView_redactsSecrets(t *testing.T) {
	cfg := config.Config{}
	cfg.Moonraker.APIKey = "printer-secret"
	cfg.YouTube.ClientSecret = "oauth-secret"
	cfg.YouTube.ClientID = "client"
	h := newTestRouter(t, Deps{Config: cfg})

	rec, _ := do(t, h, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "printer-secret") || strings.Contains(raw, "oauth-secret") {
		t.Errorf("secret leaked: %s", raw)
	}
	if !strings.Contains(raw, `"clientId":"client"`) {
		t.Errorf("client id missing: %s", raw)
	}
}

func TestTimelapseRoutes(t *testing.T) {
	m := timelapse.NewManager(t.TempDir(), time.Minute, stubCam{}, stubRunner{}, logger.Discard(), nil)
	h := newTestRouter(t, Deps{Timelapses: m})

	rec, body := do(t, h, http.MethodPost, "/api/timelapses/Benchy.gcode/start", `{"jobFilename":"Benchy.gcode"}`)
	if rec.Code != http.StatusOK || body["session"] != "Benchy" {
		t.Fatalf("start: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/timelapses/Benchy/start", ""); rec.Code != http.StatusOK {
		t.Errorf("second start should pick a unique name, got %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		if err := m.Capture(context.Background(), "Benchy"); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}

	if rec, _ := do(t, h, http.MethodDelete, "/api/timelapses/Benchy/frames/frame_000000.jpg", ""); rec.Code != http.StatusConflict {
		t.Errorf("delete while capturing: status %d, want 409", rec.Code)
	}

	rec, body = do(t, h, http.MethodPost, "/api/timelapses/Benchy/stop", "")
	if rec.Code != http.StatusOK || body["video"] != "Benchy.mp4" {
		t.Fatalf("stop: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/timelapses/Benchy/stop", ""); rec.Code != http.StatusConflict {
		t.Errorf("second stop: status %d, want 409", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/timelapses/Benchy/video", nil)
	vrec := httptest.NewRecorder()
	h.ServeHTTP(vrec, req)
	if vrec.Code != http.StatusOK || vrec.Body.String() != "mp4" {
		t.Errorf("video: %d %q", vrec.Code, vrec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/timelapses/Benchy/frames/frame_000001.jpg", nil)
	frec := httptest.NewRecorder()
	h.ServeHTTP(frec, req)
	if frec.Code != http.StatusOK || frec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("frame: %d %q", frec.Code, frec.Header().Get("Content-Type"))
	}

	rec, body = do(t, h, http.MethodDelete, "/api/timelapses/Benchy/frames/frame_000000.jpg", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete frame: %d %v", rec.Code, body)
	}
	if frames, _ := body["frames"].([]any); len(frames) != 1 {
		t.Errorf("frames after delete = %v", body["frames"])
	}

	if rec, _ := do(t, h, http.MethodDelete, "/api/timelapses/Benchy/frames/..%2Fmetadata.json", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid frame: status %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/timelapses/nope/metadata", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", rec.Code)
	}

	_, body = do(t, h, http.MethodGet, "/api/timelapses/", "")
	if list, _ := body["timelapses"].([]any); len(list) != 2 {
		t.Errorf("list = %v", body["timelapses"])
	}
}

func TestTimelapseUpload(t *testing.T) {
	m := timelapse.NewManager(t.TempDir(), time.Minute, stubCam{}, stubRunner{}, logger.Discard(), nil)
	id, err := m.Start("vase", "vase.gcode")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Capture(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Stop(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	bc := broadcast.NewController(&stubProvider{}, ratelimit.New(time.Millisecond, nil), broadcast.Settings{}, logger.Discard(), nil)
	up := orchestrator.NewUploader(bc, m, orchestrator.UploadSettings{Privacy: "unlisted"}, logger.Discard())
	h := newTestRouter(t, Deps{Timelapses: m, Uploader: up})

	rec, body := do(t, h, http.MethodPost, "/api/timelapses/vase/upload", "")
	if rec.Code != http.StatusOK || body["videoId"] != "vid-1" {
		t.Fatalf("upload: %d %v", rec.Code, body)
	}
	meta, err := m.Metadata(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.State != timelapse.StateUploaded {
		t.Errorf("state = %q, want uploaded", meta.State)
	}
}

func newTestAudio(t *testing.T) *audio.Broadcaster {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	lib := audio.NewLibrary(dir)
	if _, err := lib.Scan(); err != nil {
		t.Fatal(err)
	}
	return audio.NewBroadcaster(nil, lib, false, logger.Discard(), nil)
}

func queueNames(t *testing.T, b *audio.Broadcaster) []string {
	t.Helper()
	var names []string
	for _, tr := range b.Library().State().Queue {
		names = append(names, tr.Name)
	}
	return names
}

func TestAudioQueueRoutes(t *testing.T) {
	b := newTestAudio(t)
	h := newTestRouter(t, Deps{Audio: b})

	_, body := do(t, h, http.MethodGet, "/api/audio/tracks", "")
	if tracks, _ := body["tracks"].([]any); len(tracks) != 3 {
		t.Fatalf("tracks = %v", body["tracks"])
	}

	if rec, _ := do(t, h, http.MethodPost, "/api/audio/queue/move", `{"from":0,"to":2}`); rec.Code != http.StatusOK {
		t.Fatalf("move: %d", rec.Code)
	}
	if got := strings.Join(queueNames(t, b), ","); got != "b.mp3,c.mp3,a.mp3" {
		t.Errorf("queue after move = %s", got)
	}

	if rec, _ := do(t, h, http.MethodDelete, "/api/audio/queue/1", ""); rec.Code != http.StatusOK {
		t.Fatalf("remove: %d", rec.Code)
	}
	if got := strings.Join(queueNames(t, b), ","); got != "b.mp3,a.mp3" {
		t.Errorf("queue after remove = %s", got)
	}

	if rec, _ := do(t, h, http.MethodDelete, "/api/audio/queue/9", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("remove out of range: %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodDelete, "/api/audio/queue/x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("remove non-integer: %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/audio/queue", `{"name":"missing.mp3"}`); rec.Code != http.StatusNotFound {
		t.Errorf("enqueue unknown: %d, want 404", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/audio/queue", `{"name":"c.mp3"}`); rec.Code != http.StatusOK {
		t.Errorf("enqueue: %d", rec.Code)
	}

	rec, body := do(t, h, http.MethodPost, "/api/audio/play-track", `{"index":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("play-track: %d %v", rec.Code, body)
	}
	if cur := b.Library().State().Current; cur != 2 {
		t.Errorf("current = %d, want 2", cur)
	}
	if !b.Status().Playing {
		t.Error("play-track should resume playback")
	}

	if rec, _ := do(t, h, http.MethodPost, "/api/audio/repeat", `{"mode":"sideways"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad repeat: %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/audio/repeat", `{"mode":"one"}`); rec.Code != http.StatusOK {
		t.Errorf("repeat one: %d", rec.Code)
	}

	do(t, h, http.MethodPost, "/api/audio/clear", "")
	if n := len(b.Library().State().Queue); n != 0 {
		t.Errorf("queue after clear has %d entries", n)
	}
}

func TestAudioFolder(t *testing.T) {
	b := newTestAudio(t)
	h := newTestRouter(t, Deps{Audio: b})

	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(other, "z.flac"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(map[string]string{"folder": other})
	rec, body := do(t, h, http.MethodPost, "/api/audio/folder", string(payload))
	if rec.Code != http.StatusOK || body["tracks"] != float64(1) {
		t.Fatalf("set folder: %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/audio/folder", `{"folder":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty folder: %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/audio/preview?name=nope.mp3", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("preview without encoder: %d, want 503", rec.Code)
	}
}

func TestLiveRoutes(t *testing.T) {
	p := &stubProvider{}
	bc := broadcast.NewController(p, ratelimit.New(time.Millisecond, nil), broadcast.Settings{
		Broadcast: broadcast.BroadcastSpec{Title: "print", Privacy: "unlisted"},
	}, logger.Discard(), nil)
	h := newTestRouter(t, Deps{Broadcasts: bc})

	if rec, _ := do(t, h, http.MethodGet, "/api/live/privacy", ""); rec.Code != http.StatusConflict {
		t.Errorf("privacy without broadcast: %d, want 409", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/live/chat", `{"message":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty chat: %d, want 400", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/live/start", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("start without orchestrator: %d, want 503", rec.Code)
	}

	if _, err := bc.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/live/privacy", `{"privacy":"secret"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid privacy: %d, want 400", rec.Code)
	}
	rec, body := do(t, h, http.MethodPost, "/api/live/privacy", `{"privacy":" Public "}`)
	if rec.Code != http.StatusOK || body["privacy"] != "public" || p.privacy != "public" {
		t.Errorf("set privacy: %d %v (provider %q)", rec.Code, body, p.privacy)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/live/chat", `{"message":"layer 10"}`); rec.Code != http.StatusOK || len(p.chat) != 1 {
		t.Errorf("chat: %d %v", rec.Code, p.chat)
	}

	rec, body = do(t, h, http.MethodGet, "/api/live/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	st, _ := body["broadcast"].(map[string]any)
	if st == nil {
		t.Fatalf("status body = %v", body)
	}
}

func TestUpstreamHealth(t *testing.T) {
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
	}))
	defer cam.Close()
	printerUp := true
	printer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !printerUp {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"result":{"klippy_state":"ready"}}`)
	}))
	defer printer.Close()

	d := Deps{
		Webcam:  webcam.NewProxy(cam.URL, nil, logger.Discard()),
		Printer: moonraker.NewClient(printer.URL, "", "", logger.Discard()),
	}
	h := newTestRouter(t, d)

	rec, body := do(t, h, http.MethodGet, "/api/health/upstream", "")
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("healthy: %d %v", rec.Code, body)
	}

	printerUp = false
	rec, body = do(t, h, http.MethodGet, "/api/health/upstream", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("printer down: status %d, want 503", rec.Code)
	}
	p, _ := body["printer"].(map[string]any)
	c, _ := body["camera"].(map[string]any)
	if p["ok"] != false || c["ok"] != true {
		t.Errorf("results = camera %v printer %v", c, p)
	}
}

func TestCameraToggle(t *testing.T) {
	proxy := webcam.NewProxy("http://127.0.0.1:1/stream", nil, logger.Discard())
	h := newTestRouter(t, Deps{Webcam: proxy})

	_, body := do(t, h, http.MethodPost, "/api/camera/off", "")
	if body["disabled"] != true || !proxy.Disabled() {
		t.Errorf("off: %v", body)
	}
	_, body = do(t, h, http.MethodPost, "/api/camera/toggle", "")
	if body["disabled"] != false {
		t.Errorf("toggle: %v", body)
	}
}

func TestCapture_unknownStage(t *testing.T) {
	reg := pipeline.NewRegistry(nil)
	proxy := webcam.NewProxy("http://127.0.0.1:1/stream", nil, logger.Discard())
	bc := newTestAudio(t)
	p := pipeline.New(pipeline.Config{BaseURL: "http://127.0.0.1:1"}, nil, proxy, bc, reg, logger.Discard())
	h := newTestRouter(t, Deps{Pipeline: p})

	if rec, _ := do(t, h, http.MethodGet, "/stream/audio/capture", ""); rec.Code != http.StatusNotFound {
		t.Errorf("audio capture: %d, want 404", rec.Code)
	}

	rec, body := do(t, h, http.MethodGet, "/api/debug/pipeline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("debug: %d", rec.Code)
	}
	if stages, _ := body["stages"].([]any); len(stages) != 6 {
		t.Errorf("stages = %v", body["stages"])
	}
}

func TestTunnel_relaysBothWays(t *testing.T) {
	gotKey := make(chan string, 1)
	up := websocket.Upgrader{}
	printer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websocket" {
			http.NotFound(w, r)
			return
		}
		gotKey <- r.Header.Get("X-Api-Key")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, bytes.ToUpper(msg)); err != nil {
				return
			}
		}
	}))
	defer printer.Close()

	h := newTestRouter(t, Deps{Printer: moonraker.NewClient(printer.URL, "secret", "", logger.Discard())})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()

	select {
	case key := <-gotKey:
		if key != "secret" {
			t.Errorf("upstream api key = %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream not dialled")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"printer.info"}`)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"METHOD":"PRINTER.INFO"}` {
		t.Errorf("relayed = %s", msg)
	}
}

func TestTunnel_upstreamDown(t *testing.T) {
	printer := httptest.NewServer(http.NotFoundHandler())
	printer.Close()
	h := newTestRouter(t, Deps{Printer: moonraker.NewClient(printer.URL, "", "", logger.Discard())})

	rec, body := do(t, h, http.MethodGet, "/websocket", "")
	if rec.Code != http.StatusBadGateway || body["success"] != false {
		t.Errorf("upstream down: %d %v", rec.Code, body)
	}
}
