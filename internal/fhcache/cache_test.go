package fhcache

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/internal/storage"
)

type fakeConn struct {
	net.Conn
	io.Writer
}

func (c fakeConn) Write(p []byte) (int, error) { return c.Writer.Write(p) }
func (c fakeConn) Close() error                { return nil }

func newTestCache(t *testing.T, dir string, opts ...Option) *Cache {
	t.Helper()
	sb, err := storage.NewSandbox(dir)
	require.NoError(t, err)
	log := slog.New(slog.DiscardHandler)
	return New(sb, mimereg.New(), log, opts...)
}

func writeFixture(t *testing.T, dir, name string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCache_OpenAndAdmit(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "loop.mp3", "fake-mp3-bytes")
	c := newTestCache(t, dir)

	finfo := &FInfo{Mount: "loop.mp3"}
	fh, l, err := c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:1", "")
	require.NoError(t, err)
	require.NotNil(t, fh)
	require.NotNil(t, l)

	assert.Equal(t, 1, fh.Refcount())
	assert.Equal(t, 1, c.Len())
}

func TestCache_AdmitMissingSetsMissingFlag(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir)

	finfo := &FInfo{Mount: "nope.mp3"}
	_, _, err := c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:1", "")
	require.Error(t, err)
	assert.True(t, finfo.Flags.Has(MissingFlag))

	_, _, err = c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:1", "")
	assert.ErrorIs(t, err, ErrMissingFlag)
}

func TestCache_ReleaseDecrementsAndExpires(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "loop.mp3", "fake-mp3-bytes")
	c := newTestCache(t, dir)

	finfo := &FInfo{Mount: "loop.mp3"}
	fh, l, err := c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:1", "")
	require.NoError(t, err)

	c.Release(fh, l)
	assert.Equal(t, 0, fh.Refcount())

	c.Scan(time.Time{})
	assert.Equal(t, 0, c.Len())
}

func TestCache_FallbackRequiresLimit(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "fallback.mp3", "fake-mp3-bytes")
	c := newTestCache(t, dir)

	finfo := FInfo{Mount: "fallback-fallback.mp3", Limit: 0}
	_, err := c.Open(finfo)
	assert.ErrorIs(t, err, ErrZeroLimitFallback)
}

func TestCache_ContainsNeverReportsAbsentOnWouldBlock(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir)
	key := Key{Mount: "x.mp3"}

	assert.Equal(t, Absent, c.Contains(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	result := c.Contains(key)
	assert.Equal(t, WouldBlock, result)
	assert.NotEqual(t, Absent, result)
}

func TestCache_SetOverrideTombstonesOldHandle(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "a.mp3", "aaaa")
	writeFixture(t, dir, "b.mp3", "bbbb")
	c := newTestCache(t, dir)

	finfo := FInfo{Mount: "fallback-a.mp3", Limit: 1000}
	fh, err := c.Open(finfo)
	require.NoError(t, err)
	fh.Unlock()

	err = c.SetOverride("a.mp3", "b.mp3", "audio/mpeg")
	require.NoError(t, err)

	newFh, ok := c.Find(Key{Mount: "a.mp3", Flags: FallbackFlag})
	require.True(t, ok)
	assert.NotSame(t, fh, newFh)
}

func TestCache_AdmitEnforcesCapacity(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "loop.mp3", "fake-mp3-bytes")
	c := newTestCache(t, dir, WithConfigProvider(collab.StaticConfigProvider{
		Default: collab.MountPolicy{MaxListeners: 1},
	}))

	finfo := &FInfo{Mount: "loop.mp3"}
	_, _, err := c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:1", "")
	require.NoError(t, err)

	_, _, err = c.Admit(finfo, fakeConn{Writer: io.Discard}, "127.0.0.1:2", "")
	assert.ErrorIs(t, err, ErrForbiddenCapacity)
}
