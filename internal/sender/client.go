package sender

import (
	"time"

	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/fhcache"
)

// Client adapts a (handle, listener) pair to the scheduler's Client
// interface by structural typing: ClientID and Tick match what
// internal/scheduler expects without sender needing to import it.
type Client struct {
	fh     *fhcache.FH
	l      *fhcache.Listener
	meters Meters
	mover  collab.Mover
}

// NewClient wraps fh and l for scheduling. meters.Handle should be fh's
// own meter; meters.Global is the process-wide outgoing-bitrate meter.
func NewClient(fh *fhcache.FH, l *fhcache.Listener, meters Meters, mover collab.Mover) *Client {
	return &Client{fh: fh, l: l, meters: meters, mover: mover}
}

// ClientID identifies this client by its listener's connection id.
func (c *Client) ClientID() string { return c.l.ID.String() }

// Tick runs one sender state-machine step.
func (c *Client) Tick() (time.Duration, error) {
	return Tick(c.fh, c.l, c.meters, c.mover)
}

// FH returns the handle this client is attached to.
func (c *Client) FH() *fhcache.FH { return c.fh }

// Listener returns the underlying listener.
func (c *Client) Listener() *fhcache.Listener { return c.l }
