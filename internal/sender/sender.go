// Package sender implements the per-listener sender state machine that
// drains a handle's intro buffer, streams its file content untimed or
// paced to a target bitrate, and migrates a listener to an override
// target when one is set.
package sender

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/fhcache"
)

// ErrTerminate is returned by Tick when the listener must be disconnected
// and released from its handle.
var ErrTerminate = errors.New("sender: terminate listener")

// Process-wide count of active throttled-file-stream listeners, read by
// the global slowdown rule of both file-stream senders. A deployment wires
// SetThrottleSends from its admission path; Sender only reads it.
var throttleSends int32

// SetThrottleSends records how many throttled-file-stream listeners are
// currently active process-wide, used by the untimed and throttled
// file-stream senders' global slowdown rule.
func SetThrottleSends(n int32) { throttleSends = n }

const (
	fileStreamMaxIterations = 6
	fileStreamMaxBytes      = 48 * 1024
	fileStreamShortWriteMin = 80 * time.Millisecond
	fileStreamShortWriteMax = 150 * time.Millisecond
	fileStreamGlobalSlowdown = 300 * time.Millisecond

	throttlePreAllowance = 8192
	throttleRateNumerator = 1400
	throttleRescheduleFloor = 50 * time.Millisecond
	throttleLoopReschedule  = 150 * time.Millisecond
)

// Meters is the pair of bitrate meters every file-stream and throttled
// tick updates: the handle's own and the process-wide global meter. The
// sender only adds to them; it never reads them back.
type Meters struct {
	Handle *fhcache.BitrateMeter
	Global *fhcache.BitrateMeter
}

// Tick advances l's state machine by one step against fh, writing to l's
// connection. It returns the duration after which the caller should
// reschedule this listener, or ErrTerminate (possibly wrapped) if the
// listener must be disconnected.
//
// Transitions happen only between ticks, never mid-write: each call
// either completes its loop budget and returns a reschedule delay, or
// returns an error, but never leaves the listener in between two states.
func Tick(fh *fhcache.FH, l *fhcache.Listener, meters Meters, mover collab.Mover) (time.Duration, error) {
	if err := l.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTerminate, err)
	}

	switch l.State {
	case fhcache.StateBufferContent:
		return tickBufferContent(fh, l)
	case fhcache.StateFileStream:
		return tickFileStream(fh, l, meters)
	case fhcache.StateThrottledFileStream:
		return tickThrottledFileStream(fh, l, meters)
	case fhcache.StateMigrate:
		return tickMigrate(fh, l, mover)
	default:
		return 0, fmt.Errorf("%w: unknown sender state %v", ErrTerminate, l.State)
	}
}

// tickBufferContent drains the listener's queued intro content (if any)
// and falls through to the file-backed senders once exhausted.
func tickBufferContent(fh *fhcache.FH, l *fhcache.Listener) (time.Duration, error) {
	finfo := fh.FInfo()

	// A concrete intro/header refbuf chain (e.g. ICY metadata banners) is
	// deployment-supplied; the core ships none of its own, so the queued
	// flag is cleared on the first tick and every subsequent tick falls
	// straight through to file/throttled-file-stream selection.
	l.IntroContent = false

	if override := fh.Override(); override != "" {
		l.State = fhcache.StateMigrate
		return 0, nil
	}

	if fh.Size() == 0 && !l.IntroContent {
		return 0, fmt.Errorf("%w: no content available for %s", ErrTerminate, finfo.Mount)
	}

	if finfo.Limit > 0 {
		l.State = fhcache.StateThrottledFileStream
		l.TimerStart = time.Now()
		if l.BytesSent() == 0 {
			l.TimerStart = l.TimerStart.Add(-2 * time.Second)
		}
		l.Counter = 0
	} else {
		l.State = fhcache.StateFileStream
	}

	return 0, nil
}

// tickFileStream is the untimed pread-and-write loop.
func tickFileStream(fh *fhcache.FH, l *fhcache.Listener, meters Meters) (time.Duration, error) {
	buf := make([]byte, 4096)
	written := 0
	slowdown := false

	for i := 0; i < fileStreamMaxIterations && written < fileStreamMaxBytes; i++ {
		if override := fh.Override(); override != "" {
			l.State = fhcache.StateMigrate
			return 0, nil
		}

		n, err := fh.ReadAt(buf, l.Offset)
		if n == 0 && (err == io.EOF || errors.Is(err, io.EOF)) {
			return 0, fmt.Errorf("%w: %w", ErrTerminate, io.EOF)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: reading %s: %w", ErrTerminate, fh.FInfo().Mount, err)
		}

		wn, werr := l.Write(buf[:n])
		l.Offset += int64(wn)
		written += wn
		meters.Handle.Add(uint64(wn))
		meters.Global.Add(uint64(wn))

		if werr != nil {
			return 0, fmt.Errorf("%w: writing: %w", ErrTerminate, werr)
		}
		if wn < n {
			return shortWriteDelay(), nil
		}
	}

	if throttleSends > 1 && time.Since(l.ConnectedAt) > time.Second {
		slowdown = true
	}
	if slowdown {
		return fileStreamGlobalSlowdown, nil
	}
	return 0, nil
}

// shortWriteDelay picks a reschedule delay in the 80-150ms window.
func shortWriteDelay() time.Duration {
	return fileStreamShortWriteMin + (fileStreamShortWriteMax-fileStreamShortWriteMin)/2
}

// tickThrottledFileStream paces delivery to fh's configured limit,
// following the rate/reschedule formulas verbatim.
func tickThrottledFileStream(fh *fhcache.FH, l *fhcache.Listener, meters Meters) (time.Duration, error) {
	if override := fh.Override(); override != "" {
		l.State = fhcache.StateMigrate
		return 0, nil
	}

	finfo := fh.FInfo()
	limit := finfo.Limit
	if limit <= 0 {
		return 0, fmt.Errorf("%w: throttled listener on untimed handle %s", ErrTerminate, finfo.Mount)
	}
	if finfo.Format == "video/x-flv" {
		limit = int64(float64(limit) * 1.01)
	}

	secs := time.Since(l.TimerStart).Seconds()
	if secs <= 0 {
		secs = 0.001
	}
	rate := float64(l.Counter+throttleRateNumerator) / secs

	if l.Counter > throttlePreAllowance && rate > float64(limit) {
		meters.Handle.Add(0)
		meters.Global.Add(0)
		delay := time.Duration(1000.0/(float64(limit)/throttleRateNumerator)) * time.Millisecond
		if delay < throttleRescheduleFloor {
			delay = throttleRescheduleFloor
		}
		return delay, nil
	}

	buf := make([]byte, 4096)
	n, err := fh.ReadAt(buf, l.Offset)
	if n == 0 && (err == io.EOF || errors.Is(err, io.EOF)) {
		l.Offset = fh.FrameStartPos()
		return throttleLoopReschedule, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: reading %s: %w", ErrTerminate, finfo.Mount, err)
	}

	wn, werr := l.Write(buf[:n])
	l.Offset += int64(wn)
	l.Counter += int64(wn)
	meters.Handle.Add(uint64(wn))
	meters.Global.Add(uint64(wn))
	if werr != nil {
		return 0, fmt.Errorf("%w: writing: %w", ErrTerminate, werr)
	}

	delay := time.Duration(1000.0/(float64(limit)/throttleRateNumerator*2)) * time.Millisecond
	if delay < throttleRescheduleFloor {
		delay = throttleRescheduleFloor
	}
	if throttleSends > 1 && time.Since(l.ConnectedAt) > time.Second {
		delay += fileStreamGlobalSlowdown
	}
	return delay, nil
}

// tickMigrate asks the Mover collaborator to rebind l to its handle's
// override target. Success detaches the listener from fh without
// terminating it; the caller is responsible for the detach (the old FH
// may self-destruct here if it was tombstoned and this was its last
// listener).
func tickMigrate(fh *fhcache.FH, l *fhcache.Listener, mover collab.Mover) (time.Duration, error) {
	target := fh.Override()
	if target == "" {
		return 0, fmt.Errorf("%w: migrate state with no override set", ErrTerminate)
	}

	accept, err := mover.MoveListener(l.ID.String(), target)
	if err != nil {
		return 0, fmt.Errorf("%w: move_listener: %w", ErrTerminate, err)
	}
	if !accept {
		return 0, fmt.Errorf("%w: move_listener rejected %s", ErrTerminate, target)
	}

	l.FInfo.Mount = target
	l.FInfo.Flags &^= fhcache.DeleteFlag
	l.Offset = 0
	l.State = fhcache.StateBufferContent
	return 0, nil
}
