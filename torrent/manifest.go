package torrent

import (
	"path"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/cockroachdb/errors"

	"github.com/jkaberg/torrent-subx/piece"
)

// FileEntry is one file of a torrent. Offset is the position of its first
// byte in the concatenation of all files.
type FileEntry struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
	Offset int64  `json:"offset"`
}

// ByteRange addresses bytes relative to the start of one file.
type ByteRange struct {
	Start  int64
	Length int64
}

// Manifest is the immutable description of a resolved torrent.
type Manifest struct {
	InfoHash    string      `json:"infoHash"`
	Name        string      `json:"name"`
	TotalLength int64       `json:"totalLength"`
	PieceLength int64       `json:"pieceLength"`
	Files       []FileEntry `json:"files"`

	layout piece.Layout
}

func (m *Manifest) Layout() piece.Layout {
	return m.layout
}

func (m *Manifest) NumPieces() int {
	return m.layout.NumPieces()
}

// PieceSpan returns the pieces holding any byte of f. ok is false for empty
// files.
func (m *Manifest) PieceSpan(f FileEntry) (first, last int, ok bool) {
	if f.Length <= 0 {
		return 0, 0, false
	}
	first, last = m.layout.Covering(f.Offset, f.Length)
	return first, last, true
}

// ManifestFromInfo builds a manifest from a v1 info dictionary. Padding files
// count towards offsets but are not listed.
func ManifestFromInfo(ih metainfo.Hash, info *metainfo.Info) (*Manifest, error) {
	if info == nil {
		return nil, errors.New("torrent info not available")
	}
	if len(info.Pieces) == 0 {
		return nil, errors.Newf("torrent %s has no v1 piece hashes", ih.HexString())
	}

	name := info.Name
	if info.NameUtf8 != "" {
		name = info.NameUtf8
	}

	m := &Manifest{
		InfoHash:    ih.HexString(),
		Name:        name,
		PieceLength: info.PieceLength,
	}

	if len(info.Files) == 0 {
		m.Files = append(m.Files, FileEntry{Index: 0, Path: name, Length: info.Length})
		m.TotalLength = info.Length
	} else {
		var off int64
		for _, f := range info.Files {
			if !strings.Contains(f.Attr, "p") {
				parts := f.Path
				if len(f.PathUtf8) > 0 {
					parts = f.PathUtf8
				}
				m.Files = append(m.Files, FileEntry{
					Index:  len(m.Files),
					Path:   path.Join(parts...),
					Length: f.Length,
					Offset: off,
				})
			}
			off += f.Length
		}
		m.TotalLength = off
	}

	l, err := piece.NewLayout(info.PieceLength, m.TotalLength, info.Pieces)
	if err != nil {
		return nil, errors.Wrap(err, "building piece layout")
	}
	m.layout = l

	return m, nil
}
