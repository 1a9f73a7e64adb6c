package codecprobe

import (
	"bytes"
	"context"
	"io"

	"github.com/asticode/go-astits"
)

// tsSyncByte is the MPEG-TS packet sync byte.
const tsSyncByte = 0x47

// TSProber recognises an MPEG-TS elementary stream and derives an average
// bitrate from the spread between the first and last PCR (program clock
// reference) seen in the scanned prefix, the same demuxer used to ingest
// MPEG-TS segments elsewhere.
type TSProber struct{}

// Probe demuxes the scanned prefix of r looking for a PMT (confirming
// this is really a TS stream rather than noise that happens to start with
// a 0x47 byte) and accumulates PCR-derived bitrate.
func (TSProber) Probe(r io.ReaderAt, size int64) (Result, error) {
	if size < 188 {
		return Result{}, ErrUndefined
	}

	sync := make([]byte, 1)
	if _, err := r.ReadAt(sync, 0); err != nil {
		return Result{}, err
	}
	if sync[0] != tsSyncByte {
		return Result{}, ErrUndefined
	}

	limit := size
	if limit > maxProbeBytes {
		limit = maxProbeBytes
	}
	buf := make([]byte, limit)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return Result{}, err
	}
	buf = buf[:n]

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(buf))

	var sawPMT bool
	var firstPCR, lastPCR *astits.ClockReference
	var bytesScanned int64

	for {
		d, derr := dmx.NextData()
		if derr != nil {
			break
		}

		if d.PMT != nil {
			sawPMT = true
		}
		if d.FirstPacket != nil && d.FirstPacket.AdaptationField != nil && d.FirstPacket.AdaptationField.HasPCR {
			pcr := d.FirstPacket.AdaptationField.PCR
			if firstPCR == nil {
				firstPCR = pcr
			} else {
				lastPCR = pcr
			}
		}
		bytesScanned += 188
	}

	if !sawPMT {
		return Result{}, ErrUndefined
	}

	var bitrate int64
	if firstPCR != nil && lastPCR != nil {
		elapsed := pcrSeconds(lastPCR) - pcrSeconds(firstPCR)
		if elapsed > 0 {
			bitrate = int64(float64(bytesScanned) / elapsed)
		}
	}

	return Result{
		Type:          "video/mp2t",
		Bitrate:       bitrate,
		FrameStartPos: 0,
	}, nil
}

// pcrSeconds converts a 33-bit/90kHz base plus 9-bit/27MHz extension PCR
// into seconds.
func pcrSeconds(c *astits.ClockReference) float64 {
	return float64(c.Base)/90000.0 + float64(c.Extension)/27000000.0
}
