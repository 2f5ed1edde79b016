package torrent

import (
	"context"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
)

type FileOption func(*File)

// Unbounded disables the full download policy for a file whose whole content
// is needed anyway, like an external subtitle.
func Unbounded() FileOption {
	return func(f *File) {
		f.unbounded = true
	}
}

// AllowFullDownload overrides the session policy for one file.
func AllowFullDownload(allow bool) FileOption {
	return func(f *File) {
		f.allowFull = allow
	}
}

// File reads ranges of one torrent file through the session's piece store.
type File struct {
	s     *Session
	entry FileEntry

	unbounded bool
	allowFull bool
	fraction  float64

	mu      sync.Mutex
	touched *roaring.Bitmap
	full    bool
}

func (s *Session) File(entry FileEntry, opts ...FileOption) *File {
	f := &File{
		s:         s,
		entry:     entry,
		allowFull: s.opts.AllowFullDownload,
		fraction:  s.opts.FullDownloadFraction,
		touched:   roaring.New(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *File) Entry() FileEntry {
	return f.entry
}

func (f *File) Size() int64 {
	return f.entry.Length
}

// Touched returns how many bytes of the file lie in pieces read so far.
func (f *File) Touched() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coveredBytes(f.touched)
}

func (f *File) coveredBytes(pieces *roaring.Bitmap) int64 {
	l := f.s.manifest.Layout()
	start, end := f.entry.Offset, f.entry.Offset+f.entry.Length
	var n int64
	it := pieces.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		pOff := l.Offset(i)
		n += min(end, pOff+l.Length(i)) - max(start, pOff)
	}
	return n
}

// budget is the number of file bytes that may be touched before the full
// download policy applies. Reading any header touches whole pieces, so small
// files always get at least two pieces.
func (f *File) budget() int64 {
	b := int64(f.fraction * float64(f.entry.Length))
	return max(b, 2*f.s.manifest.PieceLength)
}

func (f *File) guard(first, last int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unbounded || f.full {
		return nil
	}

	next := f.touched.Clone()
	next.AddRange(uint64(first), uint64(last)+1)
	covered := f.coveredBytes(next)
	if covered <= f.budget() {
		f.touched = next
		return nil
	}

	if !f.allowFull {
		return &FullDownloadRequiredError{
			Path:     f.entry.Path,
			Required: covered,
			Length:   f.entry.Length,
			Fraction: f.fraction,
		}
	}

	f.full = true
	f.touched = next
	if pFirst, pLast, ok := f.s.manifest.PieceSpan(f.entry); ok {
		all := make([]int, 0, pLast-pFirst+1)
		for i := pFirst; i <= pLast; i++ {
			all = append(all, i)
		}
		f.s.store.Want(all...)
	}
	f.s.log.Info().Str("path", f.entry.Path).Msg("switching to full download")
	return nil
}

// ReadRange returns the bytes of r. It blocks until the covering pieces are
// verified.
func (f *File) ReadRange(ctx context.Context, r ByteRange) ([]byte, error) {
	if r.Start < 0 || r.Length < 0 || r.Start+r.Length > f.entry.Length {
		return nil, errors.Newf("%s: range [%d, %d) outside file of %d bytes",
			f.entry.Path, r.Start, r.Start+r.Length, f.entry.Length)
	}
	if r.Length == 0 {
		return []byte{}, nil
	}

	off := f.entry.Offset + r.Start
	first, last := f.s.manifest.Layout().Covering(off, r.Length)
	if err := f.guard(first, last); err != nil {
		return nil, err
	}

	return f.s.store.Read(ctx, off, r.Length)
}

// ReaderAt adapts the file to io.ReaderAt. Reads past the end return io.EOF.
func (f *File) ReaderAt(ctx context.Context) io.ReaderAt {
	return &fileReaderAt{ctx: ctx, f: f}
}

type fileReaderAt struct {
	ctx context.Context
	f   *File
}

func (r *fileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	size := r.f.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), size-off)
	b, err := r.f.ReadRange(r.ctx, ByteRange{Start: off, Length: n})
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if int(n) < len(p) {
		return int(n), io.EOF
	}
	return int(n), nil
}
