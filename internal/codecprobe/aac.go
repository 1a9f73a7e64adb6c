package codecprobe

import (
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// adtsSampleRates is the ADTS sampling_frequency_index lookup table.
var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// AACProber recognises a run of ADTS-framed AAC and derives an average
// bitrate from consecutive frame sizes, the same header fields the relay
// pipeline decodes when bridging ADTS into fMP4.
type AACProber struct{}

// Probe scans for the first ADTS sync word and walks frames from there
// until maxProbeBytes, accumulating frame sizes to estimate bitrate.
func (AACProber) Probe(r io.ReaderAt, size int64) (Result, error) {
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

	start := findADTSSync(buf)
	if start < 0 {
		return Result{}, ErrUndefined
	}

	cfg, frameLen := parseADTSHeader(buf[start:])
	if cfg == nil || frameLen <= 0 {
		return Result{}, ErrUndefined
	}

	totalBytes := 0
	frames := 0
	totalSamples := 0
	pos := start
	for pos+7 <= len(buf) {
		c, fl := parseADTSHeader(buf[pos:])
		if c == nil || fl <= 0 || pos+fl > len(buf) {
			break
		}
		totalBytes += fl
		totalSamples += 1024 // one AAC frame = 1024 samples per channel group
		frames++
		pos += fl
	}

	if frames == 0 || cfg.SampleRate == 0 {
		return Result{}, ErrUndefined
	}

	seconds := float64(totalSamples) / float64(cfg.SampleRate)
	var bitrate int64
	if seconds > 0 {
		bitrate = int64(float64(totalBytes) / seconds)
	}

	return Result{
		Type:          "audio/aac",
		Bitrate:       bitrate,
		FrameStartPos: int64(start),
	}, nil
}

// findADTSSync locates the first 0xFFF ADTS syncword in buf.
func findADTSSync(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1]&0xF0 == 0xF0 {
			return i
		}
	}
	return -1
}

// parseADTSHeader extracts the MPEG-4 Audio config and total frame length
// (header + payload) from an ADTS frame header.
func parseADTSHeader(data []byte) (*mpeg4audio.AudioSpecificConfig, int) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return nil, 0
	}

	protectionAbsent := data[1]&0x01 != 0
	headerSize := 7
	if !protectionAbsent {
		headerSize = 9
	}
	if len(data) < headerSize {
		return nil, 0
	}

	profile := ((data[2] >> 6) & 0x03) + 1
	sampleRateIndex := (data[2] >> 2) & 0x0F
	channelConfig := ((data[2] & 0x01) << 2) | ((data[3] >> 6) & 0x03)

	frameLen := (int(data[3]&0x03) << 11) | (int(data[4]) << 3) | (int(data[5]) >> 5)
	if frameLen < headerSize {
		return nil, 0
	}

	if int(sampleRateIndex) >= len(adtsSampleRates) || adtsSampleRates[sampleRateIndex] == 0 {
		return nil, 0
	}

	var objectType mpeg4audio.ObjectType
	switch profile {
	case 2:
		objectType = mpeg4audio.ObjectTypeAACLC
	default:
		objectType = mpeg4audio.ObjectTypeAACLC
	}

	return &mpeg4audio.AudioSpecificConfig{
		Type:         objectType,
		SampleRate:   adtsSampleRates[sampleRateIndex],
		ChannelCount: int(channelConfig),
	}, frameLen
}
