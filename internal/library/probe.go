package library

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// OpusClockRate is the granule rate of every Ogg/Opus stream.
const OpusClockRate = 48000

// ProbeDuration walks an Ogg/Opus file's pages and derives the duration
// from the last granule position minus the pre-skip.
func ProbeDuration(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, header, err := oggreader.NewWith(f)
	if err != nil {
		return 0, fmt.Errorf("read ogg header: %w", err)
	}

	var last uint64
	for {
		_, page, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read ogg page: %w", err)
		}
		if page.GranulePosition > last {
			last = page.GranulePosition
		}
	}

	skip := uint64(header.PreSkip)
	if last <= skip {
		return 0, nil
	}
	return int64((last - skip) * 1000 / OpusClockRate), nil
}
