// Package mjpeg splits motion-JPEG byte streams into frames and writes
// multipart/x-mixed-replace responses.
package mjpeg

import "bytes"

// DefaultMaxCarry bounds the carry-over buffer of an Extractor.
const DefaultMaxCarry = 8 << 20

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Extractor turns chunks of a JPEG stream into complete frames. Frame
// boundaries come from SOI/EOI markers only; multipart headers between
// frames are skipped as interstitial bytes.
type Extractor struct {
	buf      []byte
	maxCarry int
	// eoiFrom is where the EOI scan resumes for the pending frame.
	eoiFrom int

	// Skipped counts how many times the carry-over hit its cap and the
	// oldest half was discarded.
	Skipped int
}

// NewExtractor returns an Extractor whose carry-over never exceeds maxCarry
// bytes. maxCarry <= 0 selects DefaultMaxCarry.
func NewExtractor(maxCarry int) *Extractor {
	if maxCarry <= 0 {
		maxCarry = DefaultMaxCarry
	}
	return &Extractor{maxCarry: maxCarry}
}

// Push appends chunk to the carry-over and returns every frame completed by
// it. Each returned frame is a fresh slice starting with FFD8 and ending with
// FFD9.
func (e *Extractor) Push(chunk []byte) [][]byte {
	e.buf = append(e.buf, chunk...)
	var frames [][]byte
	for {
		start := bytes.Index(e.buf, soi)
		if start < 0 {
			break
		}
		if start > 0 {
			e.shift(start)
			e.eoiFrom = 0
		}
		from := e.eoiFrom
		if from < len(soi) {
			from = len(soi)
		}
		end := bytes.Index(e.buf[from:], eoi)
		if end < 0 {
			// Resume one byte early so a marker split across chunks is found.
			e.eoiFrom = len(e.buf) - 1
			break
		}
		end += from + len(eoi)
		frame := make([]byte, end)
		copy(frame, e.buf[:end])
		frames = append(frames, frame)
		e.shift(end)
		e.eoiFrom = 0
	}
	if len(e.buf) > e.maxCarry {
		e.shift(len(e.buf) / 2)
		e.eoiFrom = 0
		e.Skipped++
	}
	return frames
}

// Pending returns a copy of the carry-over bytes.
func (e *Extractor) Pending() []byte {
	return append([]byte(nil), e.buf...)
}

// Reset drops the carry-over.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.eoiFrom = 0
}

func (e *Extractor) shift(n int) {
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
}
