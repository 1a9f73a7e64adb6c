package codecprobe

import (
	"errors"
	"fmt"
	"os"
)

// Plugin adapts the registered probers to collab.FormatPlugin, opening the
// file at path itself since the probers only need read access to score the
// first maxProbeBytes.
type Plugin struct{}

// NewPlugin returns a Plugin backed by the package-level prober chain.
func NewPlugin() Plugin {
	return Plugin{}
}

// CheckFrames opens path and runs the registered probers against it,
// returning the detected content type, its estimated bitrate, and the
// offset of the first complete frame. An unrecognised format returns
// ErrUndefined, which the handle constructor treats as "leave format
// unset, log a warning, don't fail the open".
func (Plugin) CheckFrames(path string) (contentType string, bitrateBps int64, frameStartPos int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("codecprobe: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, fmt.Errorf("codecprobe: stating %s: %w", path, err)
	}

	res, err := Probe(f, info.Size())
	if err != nil {
		if errors.Is(err, ErrUndefined) {
			return "", 0, 0, ErrUndefined
		}
		return "", 0, 0, err
	}
	return res.Type, res.Bitrate, res.FrameStartPos, nil
}

var _ interface {
	CheckFrames(path string) (string, int64, int64, error)
} = Plugin{}
