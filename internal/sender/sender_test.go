package sender

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/fhcache"
	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/internal/storage"
)

type discardConn struct{ net.Conn }

func (discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (discardConn) Close() error                { return nil }

// newTestFH opens a handle the same way Admit does, through a real Cache
// rooted at a temp sandbox, so the sender is exercised against production
// construction rather than a bespoke test-only shortcut.
func newTestFH(t *testing.T, dir, name, content string, limit int64) *fhcache.FH {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

	sb, err := storage.NewSandbox(dir)
	require.NoError(t, err)
	cache := fhcache.New(sb, mimereg.New(), slog.New(slog.DiscardHandler))

	fh, err := cache.Open(fhcache.FInfo{Mount: name, Limit: limit})
	require.NoError(t, err)
	fh.Unlock()
	return fh
}

func TestTick_BufferContentFallsThroughToFileStream(t *testing.T) {
	dir := t.TempDir()
	fh := newTestFH(t, dir, "a.mp3", "hello world", 0)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())

	_, err := Tick(fh, l, Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}, collab.NopMover{})
	require.NoError(t, err)
	assert.Equal(t, fhcache.StateFileStream, l.State)
}

func TestTick_BufferContentSelectsThrottledWhenLimited(t *testing.T) {
	dir := t.TempDir()
	fh := newTestFH(t, dir, "b.mp3", "hello world", 1000)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())

	_, err := Tick(fh, l, Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}, collab.NopMover{})
	require.NoError(t, err)
	assert.Equal(t, fhcache.StateThrottledFileStream, l.State)
	assert.False(t, l.TimerStart.After(time.Now()))
}

func TestTick_FileStreamWritesWithoutEOF(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("0123456789", 10000) // well past one tick's iteration/byte caps
	fh := newTestFH(t, dir, "c.mp3", content, 0)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())
	l.State = fhcache.StateFileStream

	meters := Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}
	_, err := Tick(fh, l, meters, collab.NopMover{})
	require.NoError(t, err)
	assert.Greater(t, l.BytesSent(), uint64(0))
	assert.Equal(t, fhcache.StateFileStream, l.State)
}

// TestTick_FileStreamTerminatesAtEOF covers scenario #1: a static,
// untimed download ends the listener at EOF instead of looping back to
// frame_start_pos (that loop-on-EOF behavior is reserved for the
// throttled/fallback sender).
func TestTick_FileStreamTerminatesAtEOF(t *testing.T) {
	dir := t.TempDir()
	fh := newTestFH(t, dir, "c.mp3", "0123456789", 0)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())
	l.State = fhcache.StateFileStream

	meters := Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}
	_, err := Tick(fh, l, meters, collab.NopMover{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminate)
	assert.ErrorIs(t, err, io.EOF)
	assert.Greater(t, l.BytesSent(), uint64(0))
}

func TestTick_MigrateTerminatesOnRejectedMove(t *testing.T) {
	dir := t.TempDir()
	fh := newTestFH(t, dir, "d.mp3", "data", 0)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())
	l.State = fhcache.StateMigrate
	fh.SetOverride("other.mp3")

	_, err := Tick(fh, l, Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}, collab.NopMover{})
	assert.ErrorIs(t, err, ErrTerminate)
}

func TestTick_TerminatesOnListenerError(t *testing.T) {
	dir := t.TempDir()
	fh := newTestFH(t, dir, "e.mp3", "data", 0)
	l := fhcache.NewListener(discardConn{}, "127.0.0.1:1", fh.FInfo())
	l.SetError(assert.AnError)

	_, err := Tick(fh, l, Meters{Handle: fh.Meter(), Global: fhcache.NewBitrateMeter()}, collab.NopMover{})
	assert.ErrorIs(t, err, ErrTerminate)
}
