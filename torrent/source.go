package torrent

import (
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/cockroachdb/errors"
)

// Source is a parsed torrent reference. Exactly one of Magnet and MetaInfo is
// set.
type Source struct {
	Raw      string
	InfoHash metainfo.Hash
	Name     string
	Magnet   *metainfo.Magnet
	MetaInfo *metainfo.MetaInfo
}

func (s Source) IsMagnet() bool {
	return s.Magnet != nil
}

// ParseSource accepts a magnet URI or a path to a .torrent file. It performs
// no network I/O.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, errors.Mark(errors.New("empty source"), ErrInvalidSource)
	}

	if strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		m, err := metainfo.ParseMagnetUri(raw)
		if err != nil {
			return Source{}, invalidSource(err, "parsing magnet uri")
		}
		return Source{Raw: raw, InfoHash: m.InfoHash, Name: m.DisplayName, Magnet: &m}, nil
	}

	fi, err := os.Stat(raw)
	if err != nil {
		return Source{}, invalidSource(err, "reading torrent file")
	}
	if fi.IsDir() {
		return Source{}, errors.Mark(errors.Newf("%s is a directory", raw), ErrInvalidSource)
	}

	mi, err := metainfo.LoadFromFile(raw)
	if err != nil {
		return Source{}, invalidSource(err, "decoding torrent file")
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return Source{}, invalidSource(err, "decoding info dictionary")
	}

	return Source{Raw: raw, InfoHash: mi.HashInfoBytes(), Name: info.Name, MetaInfo: mi}, nil
}
