package encoder

import (
	"context"
	"io"
	"net/http"
)

// Spawner starts encoder children. *Supervisor satisfies it.
type Spawner interface {
	Spawn(ctx context.Context, stage string, args []string, opts Options) (*Handle, error)
}

// FlushWriter flushes an http.ResponseWriter after every write so streamed
// media reaches the client without buffering.
type FlushWriter struct {
	W io.Writer
}

func (f FlushWriter) Write(p []byte) (int, error) {
	n, err := f.W.Write(p)
	if fl, ok := f.W.(http.Flusher); ok && err == nil {
		fl.Flush()
	}
	return n, err
}

// StreamTo runs a child whose stdout is copied to w until the child exits or
// ctx is done. The child is always stopped before StreamTo returns.
func StreamTo(ctx context.Context, s Spawner, stage string, args []string, w io.Writer) (*Handle, error) {
	h, err := s.Spawn(ctx, stage, args, Options{Stdout: FlushWriter{W: w}})
	if err != nil {
		return nil, err
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
	}
	h.Stop(DefaultGrace)
	return h, nil
}
