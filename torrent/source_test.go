package torrent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/torrent/torrenttest"
)

func TestParseMagnet(t *testing.T) {
	require := require.New(t)

	src, err := ParseSource("magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=Show")
	require.NoError(err)
	require.True(src.IsMagnet())
	require.Equal("c9e15763f722f23e98a29decdfae341b98d53056", src.InfoHash.HexString())
	require.Equal("Show", src.Name)
}

func TestParseInvalidSources(t *testing.T) {
	require := require.New(t)

	for _, raw := range []string{
		"",
		"magnet:?xt=urn:btih:nothex&dn=x",
		filepath.Join(t.TempDir(), "missing.torrent"),
		t.TempDir(),
	} {
		_, err := ParseSource(raw)
		require.Error(err, raw)
		require.True(errors.Is(err, ErrInvalidSource), raw)
	}

	garbage := filepath.Join(t.TempDir(), "bad.torrent")
	require.NoError(os.WriteFile(garbage, []byte("not bencode"), 0644))
	_, err := ParseSource(garbage)
	require.True(errors.Is(err, ErrInvalidSource))
}

func TestParseTorrentFile(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("Show", 16,
		torrenttest.File{Path: "Show.S01E01.mkv", Data: make([]byte, 40)},
		torrenttest.File{Path: "subs/Show.S01E01.ass", Data: make([]byte, 10)},
	)

	mi := metainfo.MetaInfo{}
	var err error
	mi.InfoBytes, err = bencode.Marshal(tt.Info)
	require.NoError(err)

	p := filepath.Join(t.TempDir(), "show.torrent")
	f, err := os.Create(p)
	require.NoError(err)
	require.NoError(mi.Write(f))
	require.NoError(f.Close())

	src, err := ParseSource(p)
	require.NoError(err)
	require.False(src.IsMagnet())
	require.Equal("Show", src.Name)
	require.Equal(mi.HashInfoBytes(), src.InfoHash)

	info, err := src.MetaInfo.UnmarshalInfo()
	require.NoError(err)
	m, err := ManifestFromInfo(src.InfoHash, &info)
	require.NoError(err)
	require.Len(m.Files, 2)
	require.Equal("subs/Show.S01E01.ass", m.Files[1].Path)
	require.EqualValues(40, m.Files[1].Offset)
}
