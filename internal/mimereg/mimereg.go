// Package mimereg provides a thread-safe, hot-reloadable extension to
// content-type registry.
package mimereg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// DefaultContentType is returned by Lookup when an extension has no
// registered mapping.
const DefaultContentType = "application/octet-stream"

// maxLineLength bounds a single line read from a MIME types file.
const maxLineLength = 4096

// ErrLineTooLong is returned, wrapped, by Reload when a line in the MIME types file
// exceeds maxLineLength bytes.
var ErrLineTooLong = errors.New("mimereg: line exceeds maximum length")

// builtinTypes are registered before any file is loaded, so a registry
// with no configured MIME file still resolves the common fallback-stream
// and static-asset extensions.
var builtinTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"aac":  "audio/aac",
	"ogg":  "audio/ogg",
	"opus": "audio/opus",
	"flac": "audio/flac",
	"flv":  "video/x-flv",
	"ts":   "video/mp2t",
	"m3u":  "audio/x-mpegurl",
	"m3u8": "application/vnd.apple.mpegurl",
	"xspf": "application/xspf+xml",
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "text/xml",
	"txt":  "text/plain",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
}

// Registry is a thread-safe extension->content-type map, atomically
// reloadable from a text file of the form:
//
//	type ext1 ext2 ...
//	# comment
//
// Lookups and reloads never block each other for longer than a map swap.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]string
}

// New returns a Registry seeded with the built-in extension table.
func New() *Registry {
	r := &Registry{byExt: make(map[string]string, len(builtinTypes))}
	for ext, ct := range builtinTypes {
		r.byExt[ext] = ct
	}
	return r
}

// Lookup returns the content-type registered for ext (with or without a
// leading dot, matched case-insensitively), or DefaultContentType if unknown.
func (r *Registry) Lookup(ext string) string {
	ext = normalizeExt(ext)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ct, ok := r.byExt[ext]; ok {
		return ct
	}
	return DefaultContentType
}

// ExtensionFor performs the reverse lookup: an extension registered for
// contentType, used by playlist generators that need to pick a filename
// suffix from a declared type. When several extensions share the type,
// which one is returned is not defined, since the registry is a map.
func (r *Registry) ExtensionFor(contentType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ext, ct := range r.byExt {
		if ct == contentType {
			return ext, true
		}
	}
	return "", false
}

// Reload atomically replaces the registry's contents with the built-in
// defaults plus the mappings parsed from path. An empty path resets the
// registry to just the built-in defaults. The old map is left to the
// garbage collector after the swap; nothing is mutated in place, so a
// concurrent Lookup never observes a partially-rebuilt table.
func (r *Registry) Reload(path string) error {
	fresh := make(map[string]string, len(builtinTypes))
	for ext, ct := range builtinTypes {
		fresh[ext] = ct
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("mimereg: opening %s: %w", path, err)
		}
		defer f.Close()

		if err := parseInto(fresh, f); err != nil {
			return fmt.Errorf("mimereg: parsing %s: %w", path, err)
		}
	}

	r.mu.Lock()
	r.byExt = fresh
	r.mu.Unlock()
	return nil
}

// parseInto reads the canonical "type ext1 ext2 ..." MIME file format
// from r, writing extension->type mappings into dst. Blank lines and
// lines starting with '#' are skipped.
func parseInto(dst map[string]string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineLength), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		contentType := fields[0]
		for _, ext := range fields[1:] {
			dst[normalizeExt(ext)] = contentType
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return ErrLineTooLong
		}
		return fmt.Errorf("scanning: %w", err)
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return strings.ToLower(ext)
}
