package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExtractor_splitAcrossChunks(t *testing.T) {
	ex := NewExtractor(0)
	var frames [][]byte
	frames = append(frames, ex.Push([]byte{0xFF, 0xD8, 0x01, 0x02})...)
	frames = append(frames, ex.Push([]byte{0x03, 0xFF, 0xD9, 0xFF, 0xD8, 0x04, 0xFF, 0xD9, 0xFF})...)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if want := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}; !bytes.Equal(frames[0], want) {
		t.Errorf("frame 0 = % X", frames[0])
	}
	if want := []byte{0xFF, 0xD8, 0x04, 0xFF, 0xD9}; !bytes.Equal(frames[1], want) {
		t.Errorf("frame 1 = % X", frames[1])
	}
	if pending := ex.Pending(); !bytes.Equal(pending, []byte{0xFF}) {
		t.Errorf("carry-over = % X, want FF", pending)
	}
}

func fakeJPEG(payload string) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, payload...)
	return append(b, 0xFF, 0xD9)
}

func TestExtractor_anyChunking(t *testing.T) {
	jpegs := [][]byte{fakeJPEG("one"), fakeJPEG("second frame"), fakeJPEG("3")}
	var stream []byte
	for i, j := range jpegs {
		stream = append(stream, []byte("\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\n")...)
		stream = append(stream, j...)
		if i == 1 {
			stream = append(stream, "junk"...)
		}
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		ex := NewExtractor(0)
		var got [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(7)
			if n > len(rest) {
				n = len(rest)
			}
			got = append(got, ex.Push(rest[:n])...)
			rest = rest[n:]
		}
		if len(got) != len(jpegs) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(got), len(jpegs))
		}
		for i := range jpegs {
			if !bytes.Equal(got[i], jpegs[i]) {
				t.Fatalf("trial %d: frame %d = %q, want %q", trial, i, got[i], jpegs[i])
			}
		}
	}
}

func TestExtractor_duplicateSuffixWithoutFrame(t *testing.T) {
	ex := NewExtractor(0)
	ex.Push(fakeJPEG("a"))
	ex.Push([]byte("noise"))
	if frames := ex.Push([]byte("noise")); len(frames) != 0 {
		t.Errorf("unexpected frames from noise: %d", len(frames))
	}
}

func TestExtractor_capDiscardsOldestHalf(t *testing.T) {
	ex := NewExtractor(64)
	ex.Push(bytes.Repeat([]byte{0x00}, 100))
	if ex.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", ex.Skipped)
	}
	if n := len(ex.Pending()); n != 50 {
		t.Errorf("carry-over = %d bytes, want 50", n)
	}
	frames := ex.Push(fakeJPEG("after"))
	if len(frames) != 1 || !bytes.Equal(frames[0], fakeJPEG("after")) {
		t.Errorf("frame after garbage not recovered: %q", frames)
	}
}

func TestWriter_multipartParts(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header())
	w := NewWriter(rec)
	if err := w.WriteFrame(fakeJPEG("x")); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "--"+Boundary) || !strings.Contains(body, "Content-Length: 5") {
		t.Errorf("unexpected part: %q", body)
	}
	if !rec.Flushed {
		t.Error("writer did not flush")
	}

	// A written stream parses back into the same frames.
	var got [][]byte
	if err := ReadFrames(context.Background(), rec.Body, func(f []byte) error {
		got = append(got, f)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], fakeJPEG("x")) {
		t.Errorf("round trip = %q", got)
	}
}

func TestReadFrame_firstFrameAndTimeout(t *testing.T) {
	r := io.MultiReader(bytes.NewReader([]byte("hdr")), bytes.NewReader(fakeJPEG("first")), bytes.NewReader(fakeJPEG("second")))
	frame, err := ReadFrame(context.Background(), r, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame, fakeJPEG("first")) {
		t.Errorf("frame = %q", frame)
	}

	if _, err := ReadFrame(context.Background(), strings.NewReader("no jpeg here"), time.Second); !errors.Is(err, ErrNoFrame) {
		t.Errorf("ReadFrame on garbage = %v, want ErrNoFrame", err)
	}

	pr, pw := io.Pipe()
	defer pw.Close()
	if _, err := ReadFrame(context.Background(), pr, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadFrame on stalled reader = %v, want deadline", err)
	}
}

func TestBoundaryOf(t *testing.T) {
	cases := map[string]string{
		"multipart/x-mixed-replace;boundary=boundarydonotcross": "boundarydonotcross",
		"multipart/x-mixed-replace; boundary=--myboundary":      "myboundary",
		`multipart/x-mixed-replace; boundary="quoted"`:          "quoted",
	}
	for ct, want := range cases {
		got, ok := BoundaryOf(ct)
		if !ok || got != want {
			t.Errorf("BoundaryOf(%q) = %q, %v; want %q", ct, got, ok, want)
		}
	}
	if _, ok := BoundaryOf("image/jpeg"); ok {
		t.Error("BoundaryOf(image/jpeg) should fail")
	}
}
