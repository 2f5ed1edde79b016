// Package archive expands subtitle files packed in zip, rar and 7z archives.
package archive

import (
	"archive/zip"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/cockroachdb/errors"
	"github.com/nwaples/rardecode/v2"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/torrent-subx/subtitle"
)

// ErrArchive marks archives that cannot be read.
var ErrArchive = errors.New("unreadable archive")

// DefaultMaxEntrySize bounds a single unpacked subtitle.
const DefaultMaxEntrySize = 32 << 20

// File is a subtitle found inside an archive.
type File struct {
	Path   string
	Format subtitle.Format
	Data   []byte
}

type entry struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

type loader interface {
	entries(r io.ReaderAt, size int64, visit func(entry) error) error
}

var loaders = map[string]loader{
	".zip": &Zip{},
	".rar": &Rar{},
	".7z":  &SevenZip{},
}

// Supported reports whether name has an archive extension.
func Supported(name string) bool {
	_, ok := loaders[strings.ToLower(path.Ext(name))]
	return ok
}

// Expand returns the subtitle files of the archive called name, in archive
// path order. Entries of other types are skipped without being unpacked.
func Expand(name string, r io.ReaderAt, size int64, maxEntry int64) ([]File, error) {
	l, ok := loaders[strings.ToLower(path.Ext(name))]
	if !ok {
		return nil, errors.Newf("%s: not a supported archive", name)
	}
	if maxEntry <= 0 {
		maxEntry = DefaultMaxEntrySize
	}

	var out []File
	err := l.entries(r, size, func(e entry) error {
		p := path.Clean("/" + strings.ReplaceAll(e.name, "\\", "/"))[1:]
		f := subtitle.FormatFromPath(p)
		if f == subtitle.Unknown {
			return nil
		}
		if e.size > maxEntry {
			log.Warn().Str("archive", name).Str("entry", p).Int64("size", e.size).Msg("skipping oversized archive entry")
			return nil
		}

		rc, err := e.open()
		if err != nil {
			return errors.Wrapf(err, "opening %s", p)
		}
		defer rc.Close()

		data, err := io.ReadAll(io.LimitReader(rc, maxEntry+1))
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		if int64(len(data)) > maxEntry {
			log.Warn().Str("archive", name).Str("entry", p).Msg("skipping oversized archive entry")
			return nil
		}
		out = append(out, File{Path: p, Format: f, Data: data})
		return nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, name), ErrArchive)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

var _ loader = &Zip{}

type Zip struct{}

func (*Zip) entries(r io.ReaderAt, size int64, visit func(entry) error) error {
	zr, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := visit(entry{name: f.Name, size: int64(f.UncompressedSize64), open: f.Open}); err != nil {
			return err
		}
	}
	return nil
}

var _ loader = &SevenZip{}

type SevenZip struct{}

func (*SevenZip) entries(r io.ReaderAt, size int64, visit func(entry) error) error {
	zr, err := sevenzip.NewReader(r, size)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := visit(entry{name: f.Name, size: f.FileInfo().Size(), open: f.Open}); err != nil {
			return err
		}
	}
	return nil
}

var _ loader = &Rar{}

// Rar archives are read sequentially; entries can only be unpacked in order.
type Rar struct{}

func (*Rar) entries(r io.ReaderAt, size int64, visit func(entry) error) error {
	rr, err := rardecode.NewReader(io.NewSectionReader(r, 0, size))
	if err != nil {
		return err
	}
	for {
		h, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if h.IsDir {
			continue
		}
		if err := visit(entry{name: h.Name, size: h.UnPackedSize, open: func() (io.ReadCloser, error) {
			return io.NopCloser(rr), nil
		}}); err != nil {
			return err
		}
	}
}
