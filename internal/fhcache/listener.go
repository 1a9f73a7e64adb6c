package fhcache

import (
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// SenderState names which sender the listener's next tick should run.
type SenderState int

const (
	// StateBufferContent drains the in-memory intro/header chain.
	StateBufferContent SenderState = iota
	// StateFileStream is the untimed pread-and-write loop.
	StateFileStream
	// StateThrottledFileStream paces delivery to the handle's bitrate limit.
	StateThrottledFileStream
	// StateMigrate rebinds the listener to an override target.
	StateMigrate
)

func (s SenderState) String() string {
	switch s {
	case StateBufferContent:
		return "buffer-content"
	case StateFileStream:
		return "file-stream"
	case StateThrottledFileStream:
		return "throttled-file-stream"
	case StateMigrate:
		return "migrate"
	default:
		return "unknown"
	}
}

// Listener is a single client attached to a handle's listener set. IDs are
// ULIDs rather than random UUIDs so that iterating the listener set (an
// ordered container per the concurrency model) yields connection order
// for free, without a separate sequence counter.
type Listener struct {
	ID          ulid.ULID
	Conn        net.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	// FInfo is this listener's view of the target; relevant fields (Limit,
	// Override) are re-read by the sender each tick.
	FInfo FInfo

	// Position tracking, mutated only from the sender tick for this
	// listener — never touched concurrently since a listener never spans
	// two scheduler workers within one tick.
	Offset int64

	// Pacing state for throttled-file-stream.
	TimerStart time.Time
	Counter    int64

	State        SenderState
	IntroContent bool

	bytesSent atomic.Uint64

	errMu sync.RWMutex
	err   error
}

// NewListener allocates a listener with a time-ordered ID.
func NewListener(conn net.Conn, remoteAddr string, finfo FInfo) *Listener {
	return &Listener{
		ID:          ulid.Make(),
		Conn:        conn,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		FInfo:       finfo,
		State:       StateBufferContent,
	}
}

// AddBytesSent records bytes written to this listener's connection.
func (l *Listener) AddBytesSent(n int64) {
	l.bytesSent.Add(uint64(n))
}

// BytesSent returns the cumulative bytes written to this listener.
func (l *Listener) BytesSent() uint64 {
	return l.bytesSent.Load()
}

// SetError marks the connection as failed; observed at the top of every
// sender tick to cancel the listener.
func (l *Listener) SetError(err error) {
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
}

// Err returns the error set by SetError, if any.
func (l *Listener) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.err
}

// Write writes to the underlying connection, recording sent bytes.
func (l *Listener) Write(p []byte) (int, error) {
	n, err := l.Conn.Write(p)
	if n > 0 {
		l.AddBytesSent(int64(n))
	}
	return n, err
}

var _ io.Writer = (*Listener)(nil)

// listenerSet is an insertion(ULID)-ordered set of listeners attached to
// one handle, keyed by connection ID. ULIDs are lexically time-ordered so
// a sorted walk of the map's keys (done only where ordering actually
// matters, e.g. list_clients) reproduces arrival order without keeping a
// parallel slice in sync.
type listenerSet struct {
	byID map[ulid.ULID]*Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{byID: make(map[ulid.ULID]*Listener)}
}

func (s *listenerSet) add(l *Listener) {
	s.byID[l.ID] = l
}

func (s *listenerSet) remove(id ulid.ULID) (*Listener, bool) {
	l, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	return l, ok
}

func (s *listenerSet) get(id ulid.ULID) (*Listener, bool) {
	l, ok := s.byID[id]
	return l, ok
}

func (s *listenerSet) len() int {
	return len(s.byID)
}

// ordered returns listeners sorted by ID (= arrival order).
func (s *listenerSet) ordered() []*Listener {
	out := make([]*Listener, 0, len(s.byID))
	for _, l := range s.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out
}
