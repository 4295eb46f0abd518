package flash

import (
	"bytes"
	"compress/zlib"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// transfer is one on-wire ProgramPage call: the address argument passed to
// the algorithm and the bytes placed in the page buffer. plain counts the
// image bytes the call accounts for in progress terms; for compressed
// streams it differs from len(data), but the plain counts of a run still
// sum to the run's image size.
type transfer struct {
	address uint64
	data    []byte
	plain   uint64
}

// encodeTransfers turns the plan's pages into ProgramPage calls. Raw
// encoding maps each page to one call at its own address. Compressed
// encoding deflates each contiguous run and splits the result into
// page-sized chunks, all carrying the run's start address so the on-device
// decompressor can track stream state; the first short (possibly empty)
// chunk marks the end of a run.
func encodeTransfers(l *Layout, pageSize uint64, encoding target.TransferEncoding) ([]transfer, error) {
	switch encoding {
	case target.EncodingRaw, "":
		ts := make([]transfer, 0, len(l.Pages))
		for _, p := range l.Pages {
			ts = append(ts, transfer{address: p.Base, data: p.Data, plain: uint64(len(p.Data))})
		}
		return ts, nil

	case target.EncodingMiniz:
		var ts []transfer
		for _, run := range l.contiguousRuns() {
			var raw bytes.Buffer
			zw := zlib.NewWriter(&raw)
			for _, p := range run {
				if _, err := zw.Write(p.Data); err != nil {
					return nil, fmt.Errorf("flash: compressing image: %w", err)
				}
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("flash: compressing image: %w", err)
			}

			var plainTotal uint64
			for _, p := range run {
				plainTotal += uint64(len(p.Data))
			}

			start := run[0].Base
			packed := raw.Bytes()
			first := len(ts)
			for len(packed) >= int(pageSize) {
				ts = append(ts, transfer{address: start, data: packed[:pageSize]})
				packed = packed[pageSize:]
			}
			// The trailing short chunk terminates the run, even when
			// the compressed stream happens to fill the last page.
			ts = append(ts, transfer{address: start, data: packed})

			// Spread the run's image size over its chunks so progress
			// sums to the announced total.
			chunks := uint64(len(ts) - first)
			share := plainTotal / chunks
			for i := first; i < len(ts); i++ {
				ts[i].plain = share
			}
			ts[len(ts)-1].plain = plainTotal - share*(chunks-1)
		}
		return ts, nil
	}
	return nil, fmt.Errorf("flash: unknown transfer encoding %q", encoding)
}
