package mjpeg

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Boundary is the multipart boundary used by every MJPEG endpoint.
const Boundary = "frame"

// ContentType is the response content type of an MJPEG stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Writer emits JPEG frames as parts of a multipart/x-mixed-replace body and
// flushes after each part when the destination supports it.
type Writer struct {
	mw      *multipart.Writer
	flusher http.Flusher
}

// NewWriter wraps w. The caller sets response headers with SetHeaders first.
func NewWriter(w io.Writer) *Writer {
	mw, err := NewWriterBoundary(w, Boundary)
	if err != nil {
		panic(fmt.Sprintf("mjpeg: invalid boundary: %v", err))
	}
	return mw
}

// NewWriterBoundary wraps w with a caller-chosen boundary, used when parts
// must continue a stream whose headers were already sent by someone else.
func NewWriterBoundary(w io.Writer, boundary string) (*Writer, error) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, err
	}
	fl, _ := w.(http.Flusher)
	return &Writer{mw: mw, flusher: fl}, nil
}

// BoundaryOf returns the boundary parameter of a multipart content type.
func BoundaryOf(contentType string) (string, bool) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", false
	}
	b := strings.Trim(params["boundary"], `"`)
	b = strings.TrimPrefix(b, "--")
	return b, b != ""
}

// SetHeaders prepares an HTTP response for an MJPEG stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
}

// WriteFrame writes one JPEG as a part.
func (w *Writer) WriteFrame(jpeg []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(jpeg)))
	part, err := w.mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
