// Package demux reads subtitle tracks out of container files through an
// io.ReaderAt, touching only index structures and the byte ranges that hold
// subtitle payloads.
package demux

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"

	"github.com/jkaberg/torrent-subx/subtitle"
)

// ErrContainerParse marks malformed or truncated container metadata.
var ErrContainerParse = errors.New("container parse error")

// UnsupportedCodecError is returned for tracks whose codec has no extractor.
type UnsupportedCodecError struct {
	Codec string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported subtitle codec %q", e.Codec)
}

// Malformed builds an error marked with ErrContainerParse.
func Malformed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrContainerParse)
}

type Container int

const (
	ContainerUnknown Container = iota
	Matroska
	MP4
)

func (c Container) String() string {
	switch c {
	case Matroska:
		return "matroska"
	case MP4:
		return "mp4"
	}
	return "unknown"
}

// ContainerFromPath guesses the container from a file extension.
func ContainerFromPath(p string) Container {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".mkv", ".mka", ".mks", ".webm":
		return Matroska
	case ".mp4", ".m4v", ".mov":
		return MP4
	}
	return ContainerUnknown
}

// Block locates one subtitle sample in the container.
type Block struct {
	Offset   int64
	Size     int64
	Start    time.Duration
	Duration time.Duration
}

type Track struct {
	ID       int64  `json:"id"`
	CodecID  string `json:"codecId"`
	Language string `json:"language"`
	Name     string `json:"name,omitempty"`
	Default  bool   `json:"default"`
	Forced   bool   `json:"forced"`

	// Codec is the format the track is extracted to, Unknown when the codec
	// is not supported.
	Codec subtitle.Format `json:"-"`
	// Indexed is false when the block list still has to be discovered by
	// scanning the container.
	Indexed bool    `json:"indexed"`
	Blocks  []Block `json:"-"`
}

func (t Track) Supported() bool {
	return t.Codec != subtitle.Unknown
}

// Result is the outcome of extracting one track. Err is set for track level
// failures like an unsupported codec.
type Result struct {
	Track    Track
	Subtitle *subtitle.Subtitle
	Err      error
}

type Demuxer interface {
	Tracks() ([]Track, error)
	// Extract reads the payloads of all given tracks in one pass over
	// ascending offsets.
	Extract(tracks []Track) ([]Result, error)
}

type OpenFunc func(r io.ReaderAt, size int64) (Demuxer, error)

var (
	formatsMu sync.RWMutex
	formats   = map[Container]OpenFunc{}
)

// Register makes a container parser available to Open.
func Register(c Container, open OpenFunc) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[c] = open
}

// Open parses the container metadata of r.
func Open(c Container, r io.ReaderAt, size int64) (Demuxer, error) {
	formatsMu.RLock()
	open, ok := formats[c]
	formatsMu.RUnlock()
	if !ok {
		return nil, errors.Newf("no parser registered for %s containers", c)
	}
	return open(r, size)
}

type mapped struct {
	Demuxer
	m mmap.MMap
	f *os.File
}

func (m *mapped) Close() error {
	err := m.m.Unmap()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// LocalDemuxer is a Demuxer over a memory mapped local file.
type LocalDemuxer interface {
	Demuxer
	io.Closer
}

// OpenLocal memory maps a local container file.
func OpenLocal(path string) (LocalDemuxer, error) {
	c := ContainerFromPath(path)
	if c == ContainerUnknown {
		return nil, errors.Newf("%s: unknown container type", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, Malformed("%s: empty file", path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mapping %s", path)
	}

	d, err := Open(c, byteReader(m), int64(len(m)))
	if err != nil {
		_ = m.Unmap()
		f.Close()
		return nil, err
	}
	return &mapped{Demuxer: d, m: m, f: f}, nil
}

type byteReader []byte

func (b byteReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadFull reads exactly n bytes at off. Running past the end of the data is
// reported as a parse error; any other read error is returned unchanged.
func ReadFull(r io.ReaderAt, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, Malformed("invalid read of %d bytes at %d", n, off)
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, off)
	if int64(read) == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, Malformed("truncated data: wanted %d bytes at %d, got %d", n, off, read)
	}
	return nil, err
}
