// Package staticfs serves on-demand, non-fallback static assets (the
// "static file hit" path of SPEC_FULL.md) straight out of the storage
// sandbox, with on-the-fly Brotli compression for clients that advertise
// support for it — fallback/throttled audio streaming never passes
// through here, since compressing an already-bitrate-paced byte stream
// would defeat the pacing math in internal/sender.
package staticfs

import (
	"compress/gzip"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/internal/storage"
)

// nonCompressibleExt are extensions staticfs never compresses even when
// the client accepts it, because the content is already dense audio/video
// (compression would burn CPU for no size win and, worse, would buffer a
// fallback-loop stream that is supposed to flow untouched).
var nonCompressibleExt = map[string]bool{
	".mp3": true, ".aac": true, ".ogg": true, ".opus": true, ".flac": true,
	".flv": true, ".ts": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
}

// Handler serves files from a sandbox, resolving content type through
// the shared MIME registry.
type Handler struct {
	sandbox *storage.Sandbox
	mime    *mimereg.Registry
}

// New returns a Handler rooted at sandbox.
func New(sandbox *storage.Sandbox, mime *mimereg.Registry) *Handler {
	return &Handler{sandbox: sandbox, mime: mime}
}

// ServeHTTP serves the file named by the request path relative to the
// sandbox root, applying Brotli (preferred) or gzip compression when the
// client advertises support and the content type is compressible.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" {
		rel = "index.html"
	}

	path, err := h.sandbox.ResolvePath(rel)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	info, err := h.sandbox.Stat(rel)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ct := h.mime.Lookup(filepath.Ext(path))
	w.Header().Set("Content-Type", ct)

	if nonCompressibleExt[strings.ToLower(filepath.Ext(path))] || !acceptsCompression(r) {
		http.ServeFile(w, r, path)
		return
	}

	h.serveCompressed(w, r, path, info.Size())
}

func (h *Handler) serveCompressed(w http.ResponseWriter, r *http.Request, path string, size int64) {
	f, err := h.sandbox.OpenFile(relPathFor(h.sandbox, path), 0, 0)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	accept := r.Header.Get("Accept-Encoding")
	switch {
	case strings.Contains(accept, "br"):
		w.Header().Set("Content-Encoding", "br")
		w.Header().Del("Content-Length")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		io.Copy(bw, f) //nolint:errcheck // client disconnect mid-stream is not actionable here
	case strings.Contains(accept, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		io.Copy(gw, f) //nolint:errcheck
	default:
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		io.Copy(w, f) //nolint:errcheck
	}
}

func acceptsCompression(r *http.Request) bool {
	accept := r.Header.Get("Accept-Encoding")
	return strings.Contains(accept, "br") || strings.Contains(accept, "gzip")
}

// relPathFor reverses an absolute path produced by sandbox.ResolvePath
// back to the relative form OpenFile expects. Safe here because path was
// itself derived from ResolvePath just above.
func relPathFor(sb *storage.Sandbox, absPath string) string {
	rel, err := filepath.Rel(sb.BaseDir(), absPath)
	if err != nil {
		return absPath
	}
	return rel
}
