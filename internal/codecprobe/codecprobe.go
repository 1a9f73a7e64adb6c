// Package codecprobe implements the format-frame probe used when a
// fallback handle is constructed: it locates the first valid codec frame,
// derives an averaged bitrate, and flags large deviations from a
// configured target.
package codecprobe

import (
	"errors"
	"fmt"
	"io"
)

// Result is what a probe reports back to the handle constructor.
type Result struct {
	// Type is the detected format, e.g. "audio/aac" or "video/mp2t". An
	// empty Type means the probe could not classify the content; the
	// caller leaves the handle's format unset and logs a warning rather
	// than failing the open.
	Type string
	// Bitrate is the estimated average bitrate in bytes/sec, or 0 if it
	// could not be determined from the scanned prefix.
	Bitrate int64
	// FrameStartPos is the byte offset of the first complete frame,
	// skipping any container-specific leading bytes the sender must not
	// re-emit.
	FrameStartPos int64
}

// ErrUndefined is returned when no prober recognises the content.
var ErrUndefined = errors.New("codecprobe: undefined format")

// maxProbeBytes bounds how much of a file a prober reads looking for its
// first valid frame, so a malformed file cannot stall handle construction.
const maxProbeBytes = 1 << 20 // 1 MiB

// Prober recognises and measures one codec's framing within a byte
// stream. Registered probers are tried in order; the first to recognise
// the content wins.
type Prober interface {
	// Probe reads from r (starting at offset 0) and returns a Result if it
	// recognises the framing, or ErrUndefined if it does not.
	Probe(r io.ReaderAt, size int64) (Result, error)
}

// probers are tried in registration order. AAC is checked before TS
// because an ADTS sync word is cheaper to rule out than demuxing a TS
// packet stream.
var probers = []Prober{
	AACProber{},
	MP3Prober{},
	TSProber{},
}

// Probe runs the registered probers in order against r and returns the
// first recognised Result. If none recognise the content it returns a
// zero-value Result with ErrUndefined, matching the contract that a
// probe miss does not fail the open.
func Probe(r io.ReaderAt, size int64) (Result, error) {
	for _, p := range probers {
		res, err := p.Probe(r, size)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrUndefined) {
			return Result{}, fmt.Errorf("codecprobe: %w", err)
		}
	}
	return Result{}, ErrUndefined
}

// DeviationWarning reports whether a probed bitrate deviates from target
// by more than the given fraction (e.g. 0.10 for ±10%). target of 0 means
// untimed, so no deviation check applies.
func DeviationWarning(probed, target int64, fraction float64) bool {
	if target <= 0 || probed <= 0 {
		return false
	}
	delta := float64(probed-target) / float64(target)
	if delta < 0 {
		delta = -delta
	}
	return delta > fraction
}
