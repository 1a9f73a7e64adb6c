package fhcache

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oklog/ulid/v2"

	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/internal/storage"
)

var (
	// ErrForbiddenCapacity is returned when a mount's listener cap is
	// already reached.
	ErrForbiddenCapacity = errors.New("fhcache: mount at listener capacity")
	// ErrForbiddenDuplicateLogin is returned when a mount forbids a
	// client identity from holding more than one slot and it already does.
	ErrForbiddenDuplicateLogin = errors.New("fhcache: duplicate login forbidden on this mount")
	// ErrKilled marks a listener as terminated by an admin kill_client call.
	ErrKilled = errors.New("fhcache: listener killed by admin")
)

// Cache is the process-wide, deduplicated store of open file handles keyed
// by mount and flags. At most one FH is reachable per Key; every listener
// attached to that key shares its descriptor, format, and bitrate meter.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*FH
	sentinel *FH

	sf singleflight.Group

	sandbox      *storage.Sandbox
	adminSandbox *storage.Sandbox
	mime         *mimereg.Registry
	log          *slog.Logger

	config collab.ConfigProvider
	stats  collab.StatsSink
	auth   collab.AuthReleaser
	mover  collab.Mover
	format collab.FormatPlugin

	statsInterval time.Duration
}

// Option configures a Cache at construction time.
type Option func(*Cache)

func WithConfigProvider(p collab.ConfigProvider) Option { return func(c *Cache) { c.config = p } }
func WithStatsSink(s collab.StatsSink) Option           { return func(c *Cache) { c.stats = s } }
func WithAuthReleaser(a collab.AuthReleaser) Option     { return func(c *Cache) { c.auth = a } }
func WithMover(m collab.Mover) Option                   { return func(c *Cache) { c.mover = m } }
func WithFormatPlugin(f collab.FormatPlugin) Option     { return func(c *Cache) { c.format = f } }
func WithStatsInterval(d time.Duration) Option          { return func(c *Cache) { c.statsInterval = d } }
func WithAdminSandbox(s *storage.Sandbox) Option        { return func(c *Cache) { c.adminSandbox = s } }

// New builds a Cache rooted at sandbox for content resolution, using mime
// for extension-to-content-type lookups. Collaborators default to no-ops
// so the cache runs standalone; pass Options to wire real ones.
func New(sandbox *storage.Sandbox, mime *mimereg.Registry, log *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[Key]*FH),
		sentinel:      newSentinel(),
		sandbox:       sandbox,
		mime:          mime,
		log:           log,
		config:        collab.StaticConfigProvider{Default: collab.MountPolicy{MaxListeners: -1}},
		stats:         collab.NopStatsSink{},
		auth:          collab.NopAuthReleaser{},
		mover:         collab.NopMover{},
		statsInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// deviates reports whether probed deviates from target by more than ±10%,
// mirroring codecprobe.DeviationWarning without importing codecprobe here
// (fhcache only depends on collab.FormatPlugin, not on any one prober).
func deviates(probed, target int64) bool {
	if target <= 0 || probed <= 0 {
		return false
	}
	delta := float64(probed-target) / float64(target)
	if delta < 0 {
		delta = -delta
	}
	return delta > 0.10
}

// statsKey renders the key used to address a handle in the stats
// collaborator, mirroring how an admin would refer to it.
func statsKey(key Key) string {
	return fmt.Sprintf("%s%s", key.Flags.String(), key.Mount)
}

// Contains probes whether key is present without blocking on a busy
// cache. WouldBlock must be retried by the caller; it is never equivalent
// to Absent, since a concurrent Open for the same key may be mid-flight.
func (c *Cache) Contains(key Key) ContainsResult {
	if !c.mu.TryRLock() {
		return WouldBlock
	}
	defer c.mu.RUnlock()

	if _, ok := c.entries[key]; ok {
		return Present
	}
	return Absent
}

// find returns the handle for key if present. Caller must not hold c.mu.
func (c *Cache) find(key Key) (*FH, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fh, ok := c.entries[key]
	return fh, ok
}

// resolvePath maps finfo to a filesystem path via the sandbox, using the
// admin root when UseAdminFlag is set.
func (c *Cache) resolvePath(finfo FInfo) (string, error) {
	rel := finfo.Mount
	if finfo.Override != "" {
		rel = finfo.Override
	}
	root := c.sandbox
	if finfo.Flags.Has(UseAdminFlag) && c.adminSandbox != nil {
		root = c.adminSandbox
	}
	return root.ResolvePath(rel)
}

// openNew constructs a brand new FH for key: resolves and opens the file,
// probes its format, and inserts it into the cache under c.mu's write
// lock. Returns the handle locked (caller must Unlock) so attach and
// insertion observe no gap.
func (c *Cache) openNew(key Key, finfo FInfo) (*FH, error) {
	path, err := c.resolvePath(finfo)
	if err != nil {
		return nil, fmt.Errorf("fhcache: resolving %s: %w", finfo.Mount, err)
	}

	desc, err := OpenDescriptor(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	format := finfo.Format
	var frameStart int64
	if c.format != nil {
		ct, bitrate, pos, perr := c.format.CheckFrames(path)
		switch {
		case perr == nil && ct != "":
			format = ct
			frameStart = pos
			if finfo.Limit > 0 && bitrate > 0 && deviates(bitrate, finfo.Limit) {
				c.log.Warn("probed bitrate deviates from configured target",
					"mount", finfo.Mount, "probed_bps", bitrate, "target_bps", finfo.Limit)
			}
		case perr != nil:
			c.log.Warn("format probe did not recognise content", "mount", finfo.Mount, "path", path)
		}
	}
	if format == "" || format == "undefined" {
		format = c.mime.Lookup(filepath.Ext(path))
	}

	if key.Flags.Has(FallbackFlag) && finfo.Limit <= 0 {
		desc.Close()
		return nil, ErrZeroLimitFallback
	}

	finfo.FileSize = desc.Size()
	fh := newFH(key, finfo, desc, format, frameStart)

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		// Lost the race to another opener; use theirs and discard ours.
		existing.Lock()
		c.mu.Unlock()
		desc.Close()
		return existing, nil
	}
	c.entries[key] = fh
	fh.Lock()
	c.mu.Unlock()
	return fh, nil
}

// Open returns the handle for finfo, opening it if absent. On success the
// returned handle is locked; the caller must Unlock it once done mutating
// it (e.g. after attach). Concurrent opens for the same key are
// deduplicated via singleflight so a cold miss never races to open the
// same file twice.
func (c *Cache) Open(finfo FInfo) (*FH, error) {
	if finfo.Flags.Has(MissingFlag) {
		return nil, ErrMissingFlag
	}

	bare, implied := SplitSyntheticPrefix(finfo.Mount)
	finfo.Mount = bare
	finfo.Flags |= implied
	key := Key{Mount: finfo.Mount, Flags: finfo.Flags}

	if fh, ok := c.find(key); ok {
		fh.Lock()
		if key.Flags.Has(FallbackFlag) && finfo.Format != "" && fh.format != "" && fh.format != finfo.Format {
			fh.Unlock()
			return nil, ErrFormatMismatch
		}
		return fh, nil
	}

	v, err, _ := c.sf.Do(fmt.Sprintf("%s\x00%d", key.Mount, key.Flags), func() (interface{}, error) {
		fh, err := c.openNew(key, finfo)
		if err != nil {
			return nil, err
		}
		fh.Unlock()
		return fh, nil
	})
	if err != nil {
		return nil, err
	}

	fh := v.(*FH)
	fh.Lock()
	return fh, nil
}

// QueryCount opens the fallback handle for finfo on demand if it is not
// already cached, then reports its current listener count. This lets an
// admin query fallback occupancy without a listener ever having connected.
func (c *Cache) QueryCount(finfo FInfo) (int, error) {
	finfo.Flags |= FallbackFlag
	fh, err := c.Open(finfo)
	if err != nil {
		return 0, err
	}
	n := fh.listeners.len()
	fh.Unlock()
	return n, nil
}

// admitPolicy resolves the mount policy and enforces capacity/duplicate-
// login rules against a handle already locked by the caller.
func (c *Cache) admitPolicy(fh *FH, mount, identity string) error {
	policy, _ := c.config.MountPolicy(mount)
	if policy.MaxListeners >= 0 && fh.listeners.len() >= policy.MaxListeners {
		return ErrForbiddenCapacity
	}
	if !policy.AllowDuplicateLogin && identity != "" {
		for _, l := range fh.listeners.byID {
			if l.RemoteAddr == identity {
				return ErrForbiddenDuplicateLogin
			}
		}
	}
	return nil
}

// Admit is the client-arrival contract: resolve or open the handle for
// finfo, enforce the mount's capacity and duplicate-login policy, and
// attach a new listener for conn. On a failed open, finfo is mutated to
// carry MissingFlag so the caller can record the miss before surfacing
// the error, matching the contract that repeat lookups for a known-bad
// key do not retry the filesystem.
func (c *Cache) Admit(finfo *FInfo, conn net.Conn, remoteAddr, identity string) (*FH, *Listener, error) {
	if policy, _ := c.config.MountPolicy(finfo.Mount); policy.MaxListeners == 0 {
		return nil, nil, ErrForbiddenCapacity
	}

	fh, err := c.Open(*finfo)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			finfo.Flags |= MissingFlag
		}
		return nil, nil, err
	}
	defer fh.Unlock()

	if err := c.admitPolicy(fh, finfo.Mount, identity); err != nil {
		return nil, nil, err
	}

	l := NewListener(conn, remoteAddr, fh.finfo)
	fh.attach(l)
	return fh, l, nil
}

// Release implements listener departure: the listener is detached from
// fh unconditionally first, exactly as remove_from_fh always runs before
// the auth consultation in the original. The fallback AuthReleaser is
// then consulted for non-delete-flagged handles; if it takes ownership
// of the connection, the caller must not treat this as an ordinary
// disconnect (the connection lives on under the auth collaborator).
func (c *Cache) Release(fh *FH, l *Listener) {
	key := fh.Key
	id := l.ID

	outcome := fh.release(id, c.stats, statsKey(key))
	if outcome == destroyed {
		c.mu.Lock()
		if c.entries[key] == fh {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}

	if !key.Flags.Has(DeleteFlag) {
		if took, err := c.auth.ReleaseListener(id.String(), key.Mount); err != nil {
			c.log.Warn("auth release failed", "mount", key.Mount, "listener", id.String(), "error", err)
		} else if took {
			return
		}
	}
}

// SetOverride redirects the listeners currently attached to mount's
// fallback handle to dest: it detaches that handle as a tombstone (DELETE set,
// FALLBACK cleared, removed from the cache so no new listener can find
// it) and installs a fresh entry under the same key, carrying the same
// descriptor and format, with an empty listener set. New arrivals attach
// to the fresh entry; listeners already attached to the tombstoned handle
// keep streaming from it until the sender notices the override and asks
// the Mover to rebind them to dest. A non-empty contentType replaces the
// tombstone's recorded format; the listeners' own FInfo copies are not
// touched here.
func (c *Cache) SetOverride(mount, dest, contentType string) error {
	key := Key{Mount: mount, Flags: FallbackFlag}

	c.mu.Lock()
	old, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("fhcache: setting override for %s: %w", mount, ErrNotFound)
	}

	old.Lock()
	fresh := newFH(key, old.finfo, old.desc, old.format, old.frameStartPos)

	old.Key.Flags = (old.Key.Flags | DeleteFlag) &^ FallbackFlag
	old.override = dest
	if contentType != "" {
		old.finfo.Format = contentType
	}
	old.desc = nil
	old.Unlock()

	c.mu.Lock()
	c.entries[key] = fresh
	c.mu.Unlock()

	return nil
}

// KillListener finds the listener identified by id across every cached
// key sharing mount and sets its error flag, so it terminates on its next
// sender tick. Reports whether a matching listener was found.
func (c *Cache) KillListener(mount string, id ulid.ULID) bool {
	for _, key := range c.Keys() {
		if key.Mount != mount {
			continue
		}
		fh, ok := c.Find(key)
		if !ok {
			continue
		}
		if l, found := fh.ListenerByID(id); found {
			l.SetError(ErrKilled)
			return true
		}
	}
	return false
}

// Find returns a snapshot of the handle for key, if present, without
// taking its lock. Used by read-only admin queries like list_clients.
func (c *Cache) Find(key Key) (*FH, bool) {
	return c.find(key)
}

// Scan is the periodic maintenance pass: it samples every handle's
// bitrate meter, publishes stats for handles whose listener count
// changed or whose publish deadline elapsed, and reaps handles that have
// been listener-less past their expiry. A zero now forces every
// listener-less handle to expire immediately, used to drain the cache on
// shutdown.
func (c *Cache) Scan(now time.Time) {
	shuttingDown := now.IsZero()
	if shuttingDown {
		now = time.Now()
	}

	c.mu.Lock()
	var reap []Key
	for key, fh := range c.entries {
		fh.meter.Sample()
		fh.maybeUpdateStats(now, c.stats, statsKey(key), c.statsInterval)
		if shuttingDown {
			fh.forceExpireNow()
		}
		if fh.expired(now, shuttingDown) {
			reap = append(reap, key)
		}
	}
	for _, key := range reap {
		fh := c.entries[key]
		delete(c.entries, key)
		fh.close()
	}
	c.mu.Unlock()

	if len(reap) > 0 {
		c.log.Debug("scan reaped idle handles", "count", len(reap))
	}
}

// Len returns the number of cached handles, used by admin status.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns a snapshot of every cached key, used by list_clients.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}
