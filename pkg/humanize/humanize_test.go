package humanize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"sub-unit", 512, "512 B"},
		{"kilobytes", 1536, "1.5 KB"},
		{"megabytes", 5 * 1024 * 1024, "5.0 MB"},
		{"gigabytes", 2 * 1024 * 1024 * 1024, "2.0 GB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Bytes(tt.bytes))
		})
	}
}

func TestBitrate(t *testing.T) {
	assert.Equal(t, "128 kbit/s", Bitrate(16000))
	assert.Equal(t, "0 kbit/s", Bitrate(0))
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "42", Number(42))
}

func TestNumberCompact(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want string
	}{
		{"small", 42, "42"},
		{"thousands", 1234, "1.2K"},
		{"millions", 1234567, "1.2M"},
		{"billions", 1234567890, "1.2B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NumberCompact(tt.n))
		})
	}
}

func TestRelativeTimeShort(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "now", RelativeTimeShort(now.Add(-5*time.Second)))
	assert.Equal(t, "5m ago", RelativeTimeShort(now.Add(-5*time.Minute)))
	assert.Equal(t, "2h ago", RelativeTimeShort(now.Add(-2*time.Hour)))
	assert.Equal(t, "3d ago", RelativeTimeShort(now.Add(-72*time.Hour)))
	assert.Equal(t, "soon", RelativeTimeShort(now.Add(5*time.Minute)))
}
