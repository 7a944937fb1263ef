package mjpeg

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoFrame is returned when a stream ends before a complete frame arrives.
var ErrNoFrame = errors.New("mjpeg: no complete frame")

const readChunk = 32 * 1024

// ReadFrames reads r until it ends or ctx is done and calls fn for every
// extracted frame. A non-nil error from fn stops the loop and is returned.
func ReadFrames(ctx context.Context, r io.Reader, fn func(frame []byte) error) error {
	ex := NewExtractor(0)
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range ex.Push(buf[:n]) {
				if ferr := fn(frame); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

var errDone = errors.New("done")

// ReadFrame returns the first complete frame from r. It gives up after
// timeout; the caller should close r's source on return since the read may
// still be blocked.
func ReadFrame(ctx context.Context, r io.Reader, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var got []byte
		err := ReadFrames(ctx, r, func(frame []byte) error {
			got = frame
			return errDone
		})
		if got != nil {
			ch <- result{frame: got}
			return
		}
		if err == nil {
			err = ErrNoFrame
		}
		ch <- result{err: err}
	}()

	select {
	case res := <-ch:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
