package fhcache

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/wavecast/fhserve/internal/collab"
)

// departureExpiry is how long a listener-less, non-deleted, non-fallback
// handle lingers in the cache before the scanner reaps it.
const departureExpiry = 120 * time.Second

// FH is a per-(mount,flags) open file handle: one format parser, one
// descriptor, one outgoing-bitrate meter, shared by every listener
// attached to it. Key and desc are set at construction and changed
// afterwards only by Cache.SetOverride, under mu; frameStartPos is fixed
// at construction; every other field is mutated only while mu is held.
type FH struct {
	Key  Key
	desc *Descriptor

	mu          sync.Mutex
	finfo       FInfo
	format      string
	frameStartPos int64

	refcount    int
	peak        int
	listeners   *listenerSet
	meter       *BitrateMeter
	expire      time.Time
	neverExpire bool
	prevCount   int
	statsAt     time.Time
	override    string
	deleted     bool
	sentinel    bool
}

func newFH(key Key, finfo FInfo, desc *Descriptor, format string, frameStartPos int64) *FH {
	return &FH{
		Key:           key,
		desc:          desc,
		finfo:         finfo,
		format:        format,
		frameStartPos: frameStartPos,
		listeners:     newListenerSet(),
		meter:         NewBitrateMeter(),
		neverExpire:   true,
	}
}

// newSentinel builds the lifetime-of-the-server "no_file" handle used as
// the shared state of requests that never bind to a real file. It always
// carries a synthetic reference and is never cache-evicted.
func newSentinel() *FH {
	fh := newFH(Key{}, FInfo{}, nil, "", 0)
	fh.refcount = 1
	fh.sentinel = true
	return fh
}

// FInfo returns a copy of the handle's descriptor.
func (fh *FH) FInfo() FInfo {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.finfo
}

// Format returns the resolved format tag.
func (fh *FH) Format() string {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.format
}

// FrameStartPos returns the byte offset of the first complete frame.
func (fh *FH) FrameStartPos() int64 {
	return fh.frameStartPos
}

// Size returns the underlying content length, or 0 for the sentinel.
func (fh *FH) Size() int64 {
	if fh.desc == nil {
		return 0
	}
	return fh.desc.Size()
}

// ReadAt performs a positional read against the handle's descriptor.
func (fh *FH) ReadAt(p []byte, off int64) (int, error) {
	return fh.desc.ReadAt(p, off)
}

// Meter returns the handle's outgoing-bitrate meter.
func (fh *FH) Meter() *BitrateMeter {
	return fh.meter
}

// Refcount returns the current listener count under lock.
func (fh *FH) Refcount() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.refcount
}

// Override returns the pending migration target, if any.
func (fh *FH) Override() string {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.override
}

// SetOverride sets the pending migration target. Used by set_override and
// cleared once a listener has successfully migrated away.
func (fh *FH) SetOverride(target string) {
	fh.mu.Lock()
	fh.override = target
	fh.mu.Unlock()
}

// attach adds a listener to the handle's set, bumping refcount and peak.
// Caller must hold fh.mu (taken via the cache's lock-handoff idiom).
func (fh *FH) attach(l *Listener) {
	fh.listeners.add(l)
	fh.refcount++
	if fh.listeners.len() > fh.peak {
		fh.peak = fh.listeners.len()
	}
}

// Lock acquires the handle's mutex. Exposed so the cache's find-or-insert
// handoff and the sender tick share one lock without fh.go knowing about
// either caller.
func (fh *FH) Lock() {
	fh.mu.Lock()
}

// Unlock releases the handle's mutex.
func (fh *FH) Unlock() {
	fh.mu.Unlock()
}

// Attach is the locked form of attach, for callers that do not already
// hold fh.mu.
func (fh *FH) Attach(l *Listener) {
	fh.mu.Lock()
	fh.attach(l)
	fh.mu.Unlock()
}

// departureOutcome tells the caller what happened to the handle as a
// result of a listener leaving.
type departureOutcome int

const (
	// stillListening means the handle retains other listeners.
	stillListening departureOutcome = iota
	// wentIdle means refcount reached zero and the handle was armed with
	// a future expiry (ordinary non-fallback, non-deleted case).
	wentIdle
	// fallbackDisabled means refcount reached zero on a fallback handle;
	// stats were disabled but the handle is left in the cache.
	fallbackDisabled
	// destroyed means the handle was DELETE-flagged and is now closed;
	// the caller must not touch it again.
	destroyed
)

// release implements listener departure under fh.mu: decrement refcount,
// remove the listener, and apply the §4.5 outcome rules. The caller is
// responsible for stats publication and for stopping use of a destroyed
// handle.
func (fh *FH) release(id ulid.ULID, stats collab.StatsSink, statsKey string) departureOutcome {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if _, ok := fh.listeners.remove(id); ok {
		fh.refcount--
	}

	if fh.refcount != fh.listeners.len() {
		// Invariant violation: logged by the caller, which has the logger.
		fh.refcount = fh.listeners.len()
	}

	if fh.refcount > 0 {
		return stillListening
	}

	switch {
	case fh.Key.Flags.Has(FallbackFlag):
		stats.Disable(statsKey)
		return fallbackDisabled
	case fh.Key.Flags.Has(DeleteFlag):
		fh.deleted = true
		if fh.desc != nil {
			fh.desc.Close()
		}
		return destroyed
	default:
		fh.expire = time.Now().Add(departureExpiry)
		fh.neverExpire = false
		fh.meter.Reset()
		return wentIdle
	}
}

// listenerByID returns a listener without removing it, used by
// kill_client and list_clients.
func (fh *FH) listenerByID(id ulid.ULID) (*Listener, bool) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.listeners.get(id)
}

// ListenerByID is the exported form of listenerByID, used by the admin
// kill_client surface to find a listener without detaching it.
func (fh *FH) ListenerByID(id ulid.ULID) (*Listener, bool) {
	return fh.listenerByID(id)
}

// Listeners returns a connection-order snapshot of attached listeners.
func (fh *FH) Listeners() []*Listener {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.listeners.ordered()
}

// Peak returns the highest concurrent listener count observed.
func (fh *FH) Peak() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.peak
}

// maybeUpdateStats publishes listener-count/bitrate stats if the count
// changed since the last publish or the deadline elapsed, matching the
// scanner's per-FH responsibilities in §4.2's scan operation.
func (fh *FH) maybeUpdateStats(now time.Time, stats collab.StatsSink, statsKey string, interval time.Duration) {
	fh.mu.Lock()
	count := fh.listeners.len()
	due := now.After(fh.statsAt) || now.Equal(fh.statsAt)
	changed := count != fh.prevCount
	if !changed && !due {
		fh.mu.Unlock()
		return
	}
	fh.prevCount = count
	fh.statsAt = now.Add(interval)
	peak := fh.peak
	bps := int64(fh.meter.AverageBps())
	limit := fh.finfo.Limit
	fh.mu.Unlock()

	stats.SetListenerCount(statsKey, count, peak)
	if limit > 0 {
		stats.SetBitrate(statsKey, bps)
	}
}

// expired reports whether the handle should be reaped by the scanner at
// time now. shuttingDown forces every non-sentinel, listener-less handle
// to report expired regardless of its armed expiry.
func (fh *FH) expired(now time.Time, shuttingDown bool) bool {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.sentinel || fh.refcount > 0 {
		return false
	}
	if shuttingDown {
		return true
	}
	if fh.neverExpire {
		return false
	}
	return !now.Before(fh.expire)
}

// forceExpireNow arms the handle for immediate reaping, used when the
// scanner is driving shutdown.
func (fh *FH) forceExpireNow() {
	fh.mu.Lock()
	fh.neverExpire = false
	fh.expire = time.Time{}
	fh.mu.Unlock()
}

// close releases the handle's descriptor. Called by the scanner once an
// expired handle has been removed from the cache map.
func (fh *FH) close() {
	if fh.desc != nil {
		fh.desc.Close()
	}
}
