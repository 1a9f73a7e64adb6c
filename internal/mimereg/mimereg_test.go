package mimereg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LookupBuiltins(t *testing.T) {
	r := New()

	tests := []struct {
		name string
		ext  string
		want string
	}{
		{"mp3 no dot", "mp3", "audio/mpeg"},
		{"mp3 with dot", ".mp3", "audio/mpeg"},
		{"uppercase", "MP3", "audio/mpeg"},
		{"aac", "aac", "audio/aac"},
		{"unknown falls back", "zzz", DefaultContentType},
		{"empty falls back", "", DefaultContentType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Lookup(tt.ext))
		})
	}
}

func TestRegistry_ExtensionFor(t *testing.T) {
	r := New()

	ext, ok := r.ExtensionFor("audio/mpeg")
	require.True(t, ok)
	assert.Equal(t, "mp3", ext)

	_, ok = r.ExtensionFor("application/x-does-not-exist")
	assert.False(t, ok)
}

func TestRegistry_Reload(t *testing.T) {
	dir := t.TempDir()
	mimeFile := filepath.Join(dir, "mime.types")

	content := "# comment line\n" +
		"audio/x-custom cst\n" +
		"\n" +
		"application/x-other oth oth2\n"
	require.NoError(t, os.WriteFile(mimeFile, []byte(content), 0o644))

	r := New()
	require.NoError(t, r.Reload(mimeFile))

	assert.Equal(t, "audio/x-custom", r.Lookup("cst"))
	assert.Equal(t, "application/x-other", r.Lookup("oth"))
	assert.Equal(t, "application/x-other", r.Lookup("oth2"))
	// built-ins survive a reload that layers a file on top
	assert.Equal(t, "audio/mpeg", r.Lookup("mp3"))
}

func TestRegistry_ReloadEmptyPathResetsToBuiltins(t *testing.T) {
	dir := t.TempDir()
	mimeFile := filepath.Join(dir, "mime.types")
	require.NoError(t, os.WriteFile(mimeFile, []byte("audio/x-custom cst\n"), 0o644))

	r := New()
	require.NoError(t, r.Reload(mimeFile))
	assert.Equal(t, "audio/x-custom", r.Lookup("cst"))

	require.NoError(t, r.Reload(""))
	assert.Equal(t, DefaultContentType, r.Lookup("cst"))
	assert.Equal(t, "audio/mpeg", r.Lookup("mp3"))
}

func TestRegistry_ReloadMissingFile(t *testing.T) {
	r := New()
	err := r.Reload("/nonexistent/path/mime.types")
	assert.Error(t, err)
}
