// Package candidate picks the torrent files that may hold subtitles.
package candidate

import (
	"path"
	"strings"

	"github.com/jkaberg/torrent-subx/torrent"
)

type Kind int

const (
	Excluded Kind = iota
	External
	MKV
	MP4
	Archive
)

func (k Kind) String() string {
	switch k {
	case External:
		return "external"
	case MKV:
		return "mkv"
	case MP4:
		return "mp4"
	case Archive:
		return "archive"
	}
	return "excluded"
}

// IsContainer reports whether subtitles have to be demuxed out of the file.
func (k Kind) IsContainer() bool {
	return k == MKV || k == MP4
}

type Candidate struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
	Kind   Kind   `json:"-"`
}

func (c Candidate) Entry(m *torrent.Manifest) torrent.FileEntry {
	return m.Files[c.Index]
}

type Options struct {
	// Archives enables .zip, .rar and .7z files up to ArchiveMaxSize bytes.
	Archives       bool
	ArchiveMaxSize int64
}

var kinds = map[string]Kind{
	".ass": External,
	".ssa": External,
	".srt": External,
	".vtt": External,
	".sup": External,
	".mkv": MKV,
	".mp4": MP4,
	".zip": Archive,
	".rar": Archive,
	".7z":  Archive,
}

// KindOf classifies a path by extension, ignoring case.
func KindOf(p string) Kind {
	return kinds[strings.ToLower(path.Ext(p))]
}

// Select returns the candidates of m in manifest order.
func Select(m *torrent.Manifest, opts Options) []Candidate {
	var out []Candidate
	for _, f := range m.Files {
		k := KindOf(f.Path)
		if k == Archive && (!opts.Archives || (opts.ArchiveMaxSize > 0 && f.Length > opts.ArchiveMaxSize)) {
			k = Excluded
		}
		if k == Excluded {
			continue
		}
		out = append(out, Candidate{Index: f.Index, Path: f.Path, Length: f.Length, Kind: k})
	}
	return out
}
