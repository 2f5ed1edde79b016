package torrent

import (
	"context"
	"io"
	"time"

	"github.com/anacrolix/missinggo/v2"
	"github.com/anacrolix/torrent"
	"github.com/cockroachdb/errors"
)

var _ PieceFetcher = &fetcher{}

// fetcher reads whole pieces through anacrolix readers. Readahead is disabled
// so only the requested piece is prioritised.
type fetcher struct {
	t       *torrent.Torrent
	timeout time.Duration
}

func newFetcher(t *torrent.Torrent, timeout time.Duration) *fetcher {
	return &fetcher{t: t, timeout: timeout}
}

func (f *fetcher) FetchPiece(ctx context.Context, i int) ([]byte, error) {
	info := f.t.Info()
	if info == nil {
		return nil, errors.New("torrent info not available")
	}
	if i < 0 || i >= info.NumPieces() {
		return nil, errors.Newf("piece %d out of range", i)
	}

	off := int64(i) * info.PieceLength
	n := min(info.PieceLength, info.TotalLength()-off)

	r := f.t.NewReader()
	defer r.Close()
	r.SetReadahead(0)
	r.SetResponsive()

	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seeking to piece %d", i)
	}

	buf := make([]byte, n)
	_, err := readAtLeast(ctx, r, f.timeout, buf, len(buf))
	if err != nil {
		if ctx.Err() == nil && f.t.Stats().ActivePeers == 0 {
			return nil, unreachable(err, "no active peers")
		}
		return nil, errors.Wrapf(err, "reading piece %d", i)
	}
	return buf, nil
}

// readAtLeast reads until min bytes are in buf. Each read is bounded by
// timeout; ctx cancels the whole operation.
func readAtLeast(ctx context.Context, r missinggo.ReadContexter, timeout time.Duration, buf []byte, min int) (n int, err error) {
	if len(buf) < min {
		return 0, io.ErrShortBuffer
	}
	for n < min && err == nil {
		var nn int

		rctx, cancel := context.WithTimeout(ctx, timeout)
		nn, err = r.ReadContext(rctx, buf[n:])
		n += nn
		cancel()
	}
	if n >= min {
		err = nil
	} else if n > 0 && err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return
}
