package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"printstreamer/internal/encoder"
	"printstreamer/internal/platform/logger"
)

func shell(t *testing.T) *encoder.Supervisor {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return encoder.NewSupervisor("/bin/sh", logger.Discard(), nil)
}

type countingSpawner struct {
	encoder.Spawner
	n atomic.Int32

	mu      sync.Mutex
	handles []*encoder.Handle
}

func (c *countingSpawner) Spawn(ctx context.Context, stage string, args []string, opts encoder.Options) (*encoder.Handle, error) {
	c.n.Add(1)
	h, err := c.Spawner.Spawn(ctx, stage, args, opts)
	if err == nil {
		c.mu.Lock()
		c.handles = append(c.handles, h)
		c.mu.Unlock()
	}
	return h, err
}

func (c *countingSpawner) all() []*encoder.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*encoder.Handle(nil), c.handles...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const jpegLoop = `while :; do printf '\377\330\001\002\377\331'; sleep 0.05; done`

func TestDrawText(t *testing.T) {
	got := DrawText(TextSettings{
		TextPath:   "/tmp/over:lay.txt",
		FontSize:   20,
		FontColor:  "white",
		Box:        true,
		BoxColor:   "black@0.5",
		BoxBorderW: 6,
	})
	for _, want := range []string{`textfile=/tmp/over\:lay.txt`, "reload=1", "fontsize=20", "box=1", "boxborderw=6", "x=10", "y=h-th-10"} {
		if !strings.Contains(got, want) {
			t.Errorf("DrawText = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "fontfile") {
		t.Errorf("fontfile set without FontFile: %q", got)
	}
}

func TestArgs_containersAndInputs(t *testing.T) {
	mp4 := strings.Join(MixArgs("http://h/stream/overlay", "http://h/stream/audio", VideoSettings{FPS: 10, BitrateKbps: 3000}, ContainerMP4), " ")
	if !strings.Contains(mp4, "frag_keyframe") || !strings.HasSuffix(mp4, "-f mp4 pipe:1") {
		t.Errorf("mp4 args = %s", mp4)
	}
	if !strings.Contains(mp4, "-g 20") || !strings.Contains(mp4, "-b:v 3000k") {
		t.Errorf("gop/bitrate missing: %s", mp4)
	}
	ts := strings.Join(MixArgs("v", "a", VideoSettings{}, ContainerTS), " ")
	if !strings.HasSuffix(ts, "-f mpegts pipe:1") {
		t.Errorf("ts args = %s", ts)
	}
	ingest := IngestArgs("rtmp://a/live2/key")
	if ingest[len(ingest)-1] != "rtmp://a/live2/key" {
		t.Errorf("ingest args = %v", ingest)
	}
	plain := strings.Join(OverlayArgs("http://h/stream/source", VideoSettings{FPS: 6}, nil), " ")
	if strings.Contains(plain, "drawtext") || !strings.Contains(plain, "-vf fps=6") {
		t.Errorf("overlay args without text = %s", plain)
	}
}

func TestRegistry_snapshotOrderAndProbe(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("source", KindSource, "cam", SourcePath)
	r.Register("overlay", KindOverlay, SourcePath, OverlayPath)
	r.Probe("source", func(i *Info) { i.Running = true; i.Subscribers = 3 })
	r.AddSubscribers("overlay", 2)
	r.AddSubscribers("overlay", -5)
	r.SetError("overlay", errors.New("boom"))

	infos := r.Snapshot()
	if len(infos) != 2 || infos[0].Name != "source" || infos[1].Name != "overlay" {
		t.Fatalf("snapshot = %+v", infos)
	}
	if !infos[0].Running || infos[0].Subscribers != 3 {
		t.Errorf("probe not applied: %+v", infos[0])
	}
	if infos[1].Subscribers != 0 || infos[1].LastError != "boom" {
		t.Errorf("overlay = %+v", infos[1])
	}
}

func TestFrameStage_sharedEncoderLifecycle(t *testing.T) {
	sp := &countingSpawner{Spawner: shell(t)}
	reg := NewRegistry(nil)
	reg.Register("overlay", KindOverlay, "src", "out")
	st := NewFrameStage("overlay", sp, func() []string { return []string{"-c", jpegLoop} }, reg, logger.Discard())

	a, _, releaseA := st.Subscribe()
	b, _, releaseB := st.Subscribe()
	want := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	for name, ch := range map[string]<-chan []byte{"a": a, "b": b} {
		select {
		case frame := <-ch:
			if !bytes.Equal(frame, want) {
				t.Errorf("%s frame = % X", name, frame)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s received no frame", name)
		}
	}
	if n := sp.n.Load(); n != 1 {
		t.Errorf("spawned %d encoders for two subscribers, want 1", n)
	}
	if info, _ := reg.Get("overlay"); info.Subscribers != 2 || !info.Running {
		t.Errorf("info = %+v", info)
	}

	releaseA()
	releaseA()
	releaseB()
	h := sp.all()[0]
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("encoder still running after last subscriber left")
	}
	if st.Subscribers() != 0 {
		t.Errorf("Subscribers = %d", st.Subscribers())
	}
}

func TestFrameStage_restartsAfterExit(t *testing.T) {
	sp := &countingSpawner{Spawner: shell(t)}
	reg := NewRegistry(nil)
	reg.Register("overlay", KindOverlay, "src", "out")
	st := NewFrameStage("overlay", sp, func() []string {
		return []string{"-c", `printf '\377\330\007\377\331'; echo "input gone" >&2; exit 1`}
	}, reg, logger.Discard())
	var sawErr atomic.Bool
	st.sleep = func(ctx context.Context, _ time.Duration) error {
		if info, _ := reg.Get("overlay"); strings.Contains(info.LastError, "input gone") {
			sawErr.Store(true)
		}
		return ctx.Err()
	}

	_, _, release := st.Subscribe()
	defer release()
	waitFor(t, "respawn", func() bool { return sp.n.Load() >= 2 })
	if !sawErr.Load() {
		t.Error("exit reason not recorded before restart")
	}
}

func TestFrameStage_missingBinaryFailsSubscribers(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("overlay", KindOverlay, "src", "out")
	sup := encoder.NewSupervisor("/nonexistent/encoder-binary", logger.Discard(), nil)
	st := NewFrameStage("overlay", sup, func() []string { return nil }, reg, logger.Discard())

	_, err := st.Capture(context.Background(), 5*time.Second)
	if !errors.Is(err, ErrStageFailed) {
		t.Fatalf("Capture err = %v, want ErrStageFailed", err)
	}
	if info, _ := reg.Get("overlay"); info.LastError == "" {
		t.Error("spawn failure not recorded")
	}
}

func TestBridge_escalatesAfterRetries(t *testing.T) {
	sp := &countingSpawner{Spawner: shell(t)}
	reg := NewRegistry(nil)
	b := NewBridge(sp, func() []string {
		return []string{"-c", "while :; do echo 0123456789abcdef; done"}
	}, reg, logger.Discard())
	b.ingestArgs = func(string) []string { return []string{"-c", "exit 1"} }
	b.sleep = func(context.Context, time.Duration) error { return nil }

	escalated := make(chan error, 1)
	b.OnEscalate(func(err error) { escalated <- err })
	if err := b.Start(context.Background(), "rtmp://a.rtmp.youtube.com/live2/secret"); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	select {
	case err := <-escalated:
		if !errors.Is(err, ErrIngestGaveUp) {
			t.Errorf("escalation err = %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("bridge never escalated")
	}
	ingests := 0
	for _, h := range sp.all() {
		if h.Stage == string(KindIngest) {
			ingests++
		}
	}
	if ingests != MaxIngestRetries+1 {
		t.Errorf("ingest encoders spawned = %d, want %d", ingests, MaxIngestRetries+1)
	}
	st := b.Status()
	if st.Running || st.LastError == "" || strings.Contains(st.Target, "secret") {
		t.Errorf("status = %+v", st)
	}
}

func TestBridge_stopEndsRelay(t *testing.T) {
	sp := &countingSpawner{Spawner: shell(t)}
	b := NewBridge(sp, func() []string {
		return []string{"-c", "while :; do echo frame; sleep 0.01; done"}
	}, NewRegistry(nil), logger.Discard())
	b.ingestArgs = func(string) []string { return []string{"-c", "cat >/dev/null"} }
	b.OnEscalate(func(err error) { t.Errorf("unexpected escalation: %v", err) })

	if err := b.Start(context.Background(), "rtmp://host/app/key"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay running", func() bool { return b.Status().IngestPID != 0 })
	b.Stop()
	if b.Running() {
		t.Error("Running after Stop")
	}
	for _, h := range sp.all() {
		if !h.Exited() {
			t.Errorf("%s encoder still running", h.Stage)
		}
	}
}

func TestBridge_stopWithStalledIngest(t *testing.T) {
	sp := &countingSpawner{Spawner: shell(t)}
	b := NewBridge(sp, func() []string {
		return []string{"-c", "while :; do echo 0123456789abcdef0123456789abcdef; done"}
	}, NewRegistry(nil), logger.Discard())
	// The relay never reads, so the mix output backs up into a blocked write.
	b.ingestArgs = func(string) []string { return []string{"-c", "sleep 30"} }
	b.OnEscalate(func(err error) { t.Errorf("unexpected escalation: %v", err) })

	if err := b.Start(context.Background(), "rtmp://host/app/key"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay running", func() bool { return b.Status().IngestPID != 0 })
	time.Sleep(200 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(15 * time.Second):
		t.Fatal("Stop hung on a relay that stopped reading")
	}
	for _, h := range sp.all() {
		if !h.Exited() {
			t.Errorf("%s encoder still running", h.Stage)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("rtmp://a.rtmp.youtube.com/live2/abcd-efgh"); got != "rtmp://a.rtmp.youtube.com/live2/****" {
		t.Errorf("redact = %q", got)
	}
	if got := redact(""); got != "" {
		t.Errorf("redact empty = %q", got)
	}
}
