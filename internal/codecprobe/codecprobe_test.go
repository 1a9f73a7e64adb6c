package codecprobe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteReaderAt adapts a byte slice to io.ReaderAt for tests.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(b).ReadAt(p, off)
}

func buildADTSFrame(frameLen int) []byte {
	frame := make([]byte, frameLen)
	frame[0] = 0xFF
	frame[1] = 0xF1 // MPEG-4, no protection
	frame[2] = 0x50 // profile=2(AAC-LC), sampleRateIndex=4 (44100), private=0
	frame[3] = byte((frameLen >> 11) & 0x03)
	frame[4] = byte((frameLen >> 3) & 0xFF)
	frame[5] = byte((frameLen & 0x07) << 5)
	frame[6] = 0xFC
	return frame
}

func TestAACProber_RecognisesADTS(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		buf.Write(buildADTSFrame(100))
	}

	res, err := AACProber{}.Probe(byteReaderAt(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, "audio/aac", res.Type)
	assert.Equal(t, int64(0), res.FrameStartPos)
	assert.Greater(t, res.Bitrate, int64(0))
}

func TestAACProber_RejectsNonADTS(t *testing.T) {
	data := []byte("not an adts stream at all, just plain bytes")
	_, err := AACProber{}.Probe(byteReaderAt(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrUndefined)
}

func buildMP3Frame() []byte {
	frame := make([]byte, 417) // approx frame size for 128kbps/44100
	frame[0] = 0xFF
	frame[1] = 0xFB // MPEG-1, Layer III
	frame[2] = 0x90 // bitrateIndex=9 (128kbps), sampleRateIndex=0 (44100)
	frame[3] = 0x00
	return frame
}

func TestMP3Prober_RecognisesFrame(t *testing.T) {
	data := buildMP3Frame()
	res, err := MP3Prober{}.Probe(byteReaderAt(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", res.Type)
	assert.Equal(t, int64(128*1000/8), res.Bitrate)
}

func TestMP3Prober_RejectsGarbage(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03}
	_, err := MP3Prober{}.Probe(byteReaderAt(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestProbe_FallsThroughToUndefined(t *testing.T) {
	data := []byte("nothing recognisable here")
	_, err := Probe(byteReaderAt(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestDeviationWarning(t *testing.T) {
	tests := []struct {
		name   string
		probed int64
		target int64
		frac   float64
		want   bool
	}{
		{"within tolerance", 130000, 128000, 0.10, false},
		{"exceeds tolerance", 160000, 128000, 0.10, true},
		{"untimed target", 160000, 0, 0.10, false},
		{"zero probed", 0, 128000, 0.10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeviationWarning(tt.probed, tt.target, tt.frac))
		})
	}
}
