package listen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/petervdpas/tunepair/internal/library"
)

var opusTags = []byte("OpusTags")

// pagePacer writes the pages of an Ogg/Opus file to a SampleWriter at
// real-time speed, starting at a position.
type pagePacer struct {
	path    string
	startMs int64
	out     SampleWriter
	done    <-chan struct{}
}

// stream returns nil when the file ends, errStopped when done closes.
func (p *pagePacer) stream() error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, header, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	skip := uint64(header.PreSkip)
	startGranule := skip + uint64(p.startMs)*library.OpusClockRate/1000
	lastGranule := uint64(0)
	seeking := p.startMs > 0

	began := time.Now()
	var sent time.Duration

	for {
		select {
		case <-p.done:
			return errStopped
		default:
		}

		data, page, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		if bytes.HasPrefix(data, opusTags) {
			continue
		}

		if seeking {
			if page.GranulePosition < startGranule {
				lastGranule = page.GranulePosition
				continue
			}
			seeking = false
		}

		var d time.Duration
		if page.GranulePosition > lastGranule {
			d = time.Duration(page.GranulePosition-lastGranule) * time.Second / library.OpusClockRate
		}
		lastGranule = page.GranulePosition

		if err := p.out.WriteSample(media.Sample{Data: data, Duration: d}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}

		sent += d
		if wait := sent - time.Since(began); wait > 0 {
			select {
			case <-p.done:
				return errStopped
			case <-time.After(wait):
			}
		}
	}
}
