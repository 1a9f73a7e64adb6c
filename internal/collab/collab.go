// Package collab defines the external collaborator contracts the file
// handle cache and sender depend on: authentication, atomic listener
// moves, per-mount configuration, stats publication, and format
// classification. None of these are implemented by the core itself; the
// default implementations here are deliberately minimal so the core can
// run standalone, and a deployment wires richer ones in.
package collab

import "time"

// MountPolicy is the per-mount policy the Config collaborator resolves.
type MountPolicy struct {
	// MaxListeners caps concurrent listeners; negative means unlimited,
	// zero refuses all admission without opening a handle.
	MaxListeners int
	// Limit is the target outgoing bitrate in bytes/sec; 0 means untimed.
	Limit int64
	// AllowDuplicateLogin permits the same client identity to hold more
	// than one listener slot concurrently on this mount.
	AllowDuplicateLogin bool
	// ExpireAfter is carried with the policy but not read by the cache: a
	// listener-less handle always lingers a fixed 120 s (fhcache's
	// departureExpiry) before the scanner reaps it.
	ExpireAfter time.Duration
	// FallbackFile is the filesystem-relative path served when this mount
	// has no live source.
	FallbackFile string
}

// ConfigProvider resolves a mount path to its policy. Mirrors the inward
// Config collaborator's find_mount contract.
type ConfigProvider interface {
	MountPolicy(mount string) (MountPolicy, bool)
}

// StatsSink publishes per-handle listener count, peak, and averaged
// outgoing bitrate. Mirrors the inward Stats collaborator.
type StatsSink interface {
	SetListenerCount(key string, count, peak int)
	SetBitrate(key string, bps int64)
	Disable(key string)
}

// AuthReleaser decides what happens to a departing, authenticated
// listener on a non-admin mount. take=true means the collaborator
// assumed ownership (e.g. rebinding it to a newly live source); the core
// must not destroy the client itself in that case.
type AuthReleaser interface {
	ReleaseListener(connID string, mount string) (take bool, err error)
}

// Mover performs the atomic rebind to a different mount requested by
// override/migration. accept=false means the core must terminate the
// listener.
type Mover interface {
	MoveListener(connID string, targetMount string) (accept bool, err error)
}

// FormatPlugin classifies content at handle construction time, deriving
// a content type, bitrate, and the offset of the first complete frame.
type FormatPlugin interface {
	CheckFrames(path string) (contentType string, bitrateBps int64, frameStartPos int64, err error)
}

// NopStatsSink discards all stats; used when no Stats collaborator is
// configured.
type NopStatsSink struct{}

func (NopStatsSink) SetListenerCount(string, int, int) {}
func (NopStatsSink) SetBitrate(string, int64)          {}
func (NopStatsSink) Disable(string)                    {}

// NopAuthReleaser never takes ownership of a departing listener.
type NopAuthReleaser struct{}

func (NopAuthReleaser) ReleaseListener(string, string) (bool, error) { return false, nil }

// NopMover refuses every move, terminating the listener.
type NopMover struct{}

func (NopMover) MoveListener(string, string) (bool, error) { return false, nil }

// StaticConfigProvider resolves mounts from a fixed map, used in tests
// and for deployments with no dynamic mount configuration.
type StaticConfigProvider struct {
	Policies map[string]MountPolicy
	Default  MountPolicy
}

func (p StaticConfigProvider) MountPolicy(mount string) (MountPolicy, bool) {
	if pol, ok := p.Policies[mount]; ok {
		return pol, true
	}
	return p.Default, false
}
