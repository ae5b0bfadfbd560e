// Package record is the sink's audio renderer. It takes the inbound Opus
// track and writes it to an Ogg file, or just drains it when no file is
// configured.
package record

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var log = logging.Logger("record")

var ErrUnsupportedCodec = errors.New("unsupported codec")

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Stats summarises what a recorder has seen.
type Stats struct {
	Packets  int
	Bytes    int
	Lost     int
	LastRead time.Time
}

type Recorder struct {
	path string

	mu      sync.Mutex
	w       *oggwriter.OggWriter
	stats   Stats
	lastSeq uint16
	started bool
	closed  bool
}

// New creates a recorder writing to path. An empty path discards the audio
// and only keeps statistics.
func New(path string, sampleRate uint32, channels uint16) (*Recorder, error) {
	r := &Recorder{path: path}
	if path == "" {
		return r, nil
	}
	w, err := oggwriter.New(path, sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	r.w = w
	return r, nil
}

// ForTrack checks that a remote track carries Opus and creates a recorder
// matching its clock rate and channel count.
func ForTrack(track *webrtc.TrackRemote, path string) (*Recorder, error) {
	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	channels := codec.Channels
	if channels == 0 {
		channels = 2
	}
	return New(path, codec.ClockRate, channels)
}

// Record reads packets until the source ends. It returns nil on io.EOF.
func (r *Recorder) Record(src RTPReader) error {
	for {
		pkt, _, err := src.ReadRTP()
		if errors.Is(err, io.EOF) {
			log.Infow("track ended", "path", r.path, "packets", r.Stats().Packets)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rtp: %w", err)
		}
		if err := r.WriteRTP(pkt); err != nil {
			return err
		}
	}
}

// WriteRTP records one packet.
func (r *Recorder) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return io.ErrClosedPipe
	}
	if r.started {
		if gap := pkt.SequenceNumber - r.lastSeq; gap > 1 && gap < 1<<15 {
			r.stats.Lost += int(gap - 1)
		}
	}
	r.started = true
	r.lastSeq = pkt.SequenceNumber

	r.stats.Packets++
	r.stats.Bytes += len(pkt.Payload)
	r.stats.LastRead = time.Now()

	if r.w == nil {
		return nil
	}
	if err := r.w.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write ogg: %w", err)
	}
	return nil
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close finalises the file. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.w != nil {
		return r.w.Close()
	}
	return nil
}
