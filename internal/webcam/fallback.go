package webcam

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
)

const (
	fallbackWidth  = 640
	fallbackHeight = 480
)

// EnsureFallback returns the bytes of the fallback JPEG at path, generating a
// solid black frame there first when the file does not exist.
func EnsureFallback(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return b, nil
	}
	b, err := blackJPEG(fallbackWidth, fallbackHeight)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fallback-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create fallback: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write fallback: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("persist fallback: %w", err)
	}
	return b, nil
}

func blackJPEG(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode fallback: %w", err)
	}
	return buf.Bytes(), nil
}
