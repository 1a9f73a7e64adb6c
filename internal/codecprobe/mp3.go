package codecprobe

import "io"

// mp3BitrateTableV1L3 is the MPEG-1 Layer III bitrate table in kbit/s,
// indexed by the 4-bit bitrate_index field.
var mp3BitrateTableV1L3 = []int{
	0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0,
}

var mp3SampleRateTableV1 = []int{44100, 48000, 32000, 0}

// MP3Prober recognises a run of MPEG-1 Layer III frames by their 11-bit
// sync word and derives bitrate from the header's bitrate field directly,
// since MP3 (unlike ADTS) carries bitrate in the frame header rather than
// needing a byte/sample ratio. No library in the dependency set parses
// raw MP3 frame headers, so this is hand-rolled.
type MP3Prober struct{}

// Probe scans for the first valid MP3 frame header and reports its
// declared bitrate.
func (MP3Prober) Probe(r io.ReaderAt, size int64) (Result, error) {
	limit := size
	if limit > maxProbeBytes {
		limit = maxProbeBytes
	}

	buf := make([]byte, limit)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return Result{}, err
	}
	buf = buf[:n]

	for i := 0; i+3 < len(buf); i++ {
		kbps, ok := parseMP3Header(buf[i:])
		if !ok {
			continue
		}
		return Result{
			Type:          "audio/mpeg",
			Bitrate:       int64(kbps) * 1000 / 8,
			FrameStartPos: int64(i),
		}, nil
	}

	return Result{}, ErrUndefined
}

// parseMP3Header validates an MPEG-1 Layer III frame header at the start
// of data and returns its declared bitrate in kbit/s.
func parseMP3Header(data []byte) (kbps int, ok bool) {
	if len(data) < 4 {
		return 0, false
	}
	// Sync word: 11 bits of 1s.
	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return 0, false
	}

	versionBits := (data[1] >> 3) & 0x03
	layerBits := (data[1] >> 1) & 0x03
	if versionBits != 0x03 || layerBits != 0x01 { // MPEG-1, Layer III
		return 0, false
	}

	bitrateIndex := (data[2] >> 4) & 0x0F
	sampleRateIndex := (data[2] >> 2) & 0x03

	if int(bitrateIndex) >= len(mp3BitrateTableV1L3) || mp3BitrateTableV1L3[bitrateIndex] == 0 {
		return 0, false
	}
	if int(sampleRateIndex) >= len(mp3SampleRateTableV1) || mp3SampleRateTableV1[sampleRateIndex] == 0 {
		return 0, false
	}

	return mp3BitrateTableV1L3[bitrateIndex], true
}
