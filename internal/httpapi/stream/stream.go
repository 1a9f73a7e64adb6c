// Package stream implements the HTTP surface of the file-serving and
// fallback-streaming core: on-demand delivery of a mount's content and
// admission onto a fallback mount's shared, bitrate-paced handle. Both
// routes are registered as raw Chi handlers rather than Huma operations,
// for the same reason the teacher's relay streaming routes are: Huma
// commits status 200 before the handler body runs, which would rule out
// 404/403/416 responses decided only after fhcache.Admit returns.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/wavecast/fhserve/internal/apierr"
	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/fhcache"
	"github.com/wavecast/fhserve/internal/scheduler"
	"github.com/wavecast/fhserve/internal/sender"
)

// Handler serves both on-demand file mounts and fallback-stream
// attachments against a shared cache and scheduler pool.
type Handler struct {
	cache  *fhcache.Cache
	pool   *scheduler.Pool
	config collab.ConfigProvider
	mover  collab.Mover
	global *fhcache.BitrateMeter
	log    *slog.Logger

	throttled atomic.Int32
}

// New builds a Handler. global is the process-wide outgoing-bitrate
// meter the sender updates on every file-stream and throttled write; the
// cross-mount slowdown rule reads the throttled-listener count, not this
// meter.
func New(cache *fhcache.Cache, pool *scheduler.Pool, config collab.ConfigProvider, mover collab.Mover, global *fhcache.BitrateMeter, log *slog.Logger) *Handler {
	return &Handler{cache: cache, pool: pool, config: config, mover: mover, global: global, log: log}
}

// Register mounts the streaming routes on router. /stream/* resolves a
// mount as an ordinary on-demand file; /fallback/* forces the fallback
// cache key, the path a fallback source relay or a direct listener of a
// dead mount's stand-in content would use.
func (h *Handler) Register(router chi.Router) {
	router.Get("/stream/*", h.serveOnDemand)
	router.Get("/fallback/*", h.serveFallback)
}

func (h *Handler) serveOnDemand(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, 0)
}

func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, fhcache.FallbackFlag)
}

// serve implements the setup_client admission contract: resolve the
// mount's policy, admit a listener onto its handle, emit range/transfer
// headers, and hand the listener to the scheduler pool for ticking.
// ServeHTTP blocks for the lifetime of the connection, since the sender
// writes to the response body from a worker goroutine while this one
// must keep the underlying TCP connection open.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, flags fhcache.Flags) {
	mount := "/" + chi.URLParam(r, "*")
	policy, _ := h.config.MountPolicy(mount)

	finfo := fhcache.FInfo{Mount: mount, Flags: flags, Limit: policy.Limit}
	identity := clientIdentity(r)
	conn := newResponseConn(w)

	fh, l, err := h.cache.Admit(&finfo, conn, r.RemoteAddr, identity)
	if err != nil {
		status := apierr.StatusForCache(err)
		if apierr.IsForbiddenCapacity(err) && policy.FallbackFile != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(apierr.RedirectHint{Mount: policy.FallbackFile})
			return
		}
		http.Error(w, err.Error(), status)
		return
	}

	fsize := fh.Size()
	start, rangeErr := h.resolveRangeStart(r, fsize)
	if rangeErr != nil {
		h.cache.Release(fh, l)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fsize))
		http.Error(w, rangeErr.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	l.Offset = start

	w.Header().Set("Content-Type", fh.Format())
	w.Header().Set("Accept-Ranges", "bytes")
	if policy.Limit > 0 {
		// A throttled handle paces delivery forever (fallback content loops
		// at EOF); advertising keep-alive on a stream that never ends just
		// wastes the client's connection pool.
		w.Header().Set("Connection", "close")
	}

	switch {
	case fsize > 0 && start > 0:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, fsize-1, fsize))
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if policy.Limit > 0 {
		sender.SetThrottleSends(h.throttled.Add(1))
		defer sender.SetThrottleSends(h.throttled.Add(-1))
	}

	client := sender.NewClient(fh, l, sender.Meters{Handle: fh.Meter(), Global: h.global}, h.mover)
	h.pool.Add(client)

	watchDisconnect(r.Context(), l)
	<-conn.Done()
}

// watchDisconnect marks l's error once the request context is cancelled,
// so the next sender tick (which checks l.Err() first) terminates it
// instead of writing to a connection the client has already dropped.
func watchDisconnect(ctx context.Context, l *fhcache.Listener) {
	go func() {
		<-ctx.Done()
		l.SetError(ctx.Err())
	}()
}

// resolveRangeStart parses a "Range: bytes=N-" header into a start
// offset, following the same open-ended-range contract fserve-style
// mounts use: a suffix end is ignored since content loops indefinitely
// past end of file, and a start past end of file is not satisfiable.
func (h *Handler) resolveRangeStart(r *http.Request, fsize int64) (int64, error) {
	header := r.Header.Get("Range")
	if header == "" || fsize <= 0 {
		return 0, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, nil
	}
	spec, _, _ = strings.Cut(spec, ",")
	startStr, _, _ := strings.Cut(spec, "-")
	if startStr == "" {
		return 0, nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, nil
	}
	if start >= fsize {
		return 0, fhcache.ErrRangeNotSatisfiable
	}
	return start, nil
}

// clientIdentity derives the duplicate-login identity key from the
// request's remote address, stripping the ephemeral port.
func clientIdentity(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}
