package fhcache

import (
	"sync"
	"sync/atomic"
	"time"
)

// bitrateWindowSize is the number of samples kept for the rolling average
// outgoing bitrate.
const bitrateWindowSize = 30

// bitrateSample is the bytes written over one sampling interval, together
// with that interval's length.
type bitrateSample struct {
	bytes   uint64
	elapsed time.Duration
}

// BitrateMeter is a sliding-window byte counter used to compute the
// averaged outgoing bitrate for a handle or for the process as a whole.
// It is safe for concurrent use; Add is lock-free, Sample/Average take a
// lock only to rotate the window.
type BitrateMeter struct {
	totalBytes atomic.Uint64

	mu         sync.Mutex
	samples    []bitrateSample
	lastBytes  uint64
	lastSample time.Time
}

// NewBitrateMeter returns a zeroed meter with its window anchored at now.
func NewBitrateMeter() *BitrateMeter {
	return &BitrateMeter{
		samples:    make([]bitrateSample, 0, bitrateWindowSize),
		lastSample: time.Now(),
	}
}

// Add records bytes written. Called from the sender's hot path.
func (m *BitrateMeter) Add(bytes uint64) {
	m.totalBytes.Add(bytes)
}

// TotalBytes returns the cumulative byte count.
func (m *BitrateMeter) TotalBytes() uint64 {
	return m.totalBytes.Load()
}

// Sample closes the current sampling interval and rotates the window.
// Driven by the scanner, once per scan.
func (m *BitrateMeter) Sample() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	current := m.totalBytes.Load()
	delta := current - m.lastBytes

	m.samples = append(m.samples, bitrateSample{bytes: delta, elapsed: now.Sub(m.lastSample)})
	if len(m.samples) > bitrateWindowSize {
		m.samples = m.samples[len(m.samples)-bitrateWindowSize:]
	}

	m.lastBytes = current
	m.lastSample = now
}

// AverageBps returns the averaged outgoing bitrate in bytes/sec over the
// current window.
func (m *BitrateMeter) AverageBps() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return 0
	}

	var total uint64
	var elapsed time.Duration
	for _, s := range m.samples {
		total += s.bytes
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(total) / elapsed.Seconds())
}

// Reset zeroes the meter, used when a handle's listener count returns to
// zero so the next arrival sees a clean window rather than a stale decay.
func (m *BitrateMeter) Reset() {
	m.totalBytes.Store(0)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
	m.lastBytes = 0
	m.lastSample = time.Now()
}
