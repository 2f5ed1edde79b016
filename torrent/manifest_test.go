package torrent

import (
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/torrent/torrenttest"
)

func TestManifestMultiFile(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("Pack", 32,
		torrenttest.File{Path: "a/one.mkv", Data: make([]byte, 70)},
		torrenttest.File{Path: "two.srt", Data: make([]byte, 5)},
		torrenttest.File{Path: "three.mp4", Data: make([]byte, 30)},
	)

	m, err := ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(err)
	require.Equal("Pack", m.Name)
	require.EqualValues(105, m.TotalLength)
	require.Equal(4, m.NumPieces())
	require.Equal([]FileEntry{
		{Index: 0, Path: "a/one.mkv", Length: 70, Offset: 0},
		{Index: 1, Path: "two.srt", Length: 5, Offset: 70},
		{Index: 2, Path: "three.mp4", Length: 30, Offset: 75},
	}, m.Files)

	first, last, ok := m.PieceSpan(m.Files[1])
	require.True(ok)
	require.Equal(2, first)
	require.Equal(2, last)
}

func TestManifestSingleFile(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("movie.mkv", 64, torrenttest.File{Path: "movie.mkv", Data: make([]byte, 100)})
	m, err := ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(err)
	require.Equal([]FileEntry{{Index: 0, Path: "movie.mkv", Length: 100}}, m.Files)
	require.Equal(2, m.NumPieces())
}

func TestManifestSkipsPadding(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("Pack", 16,
		torrenttest.File{Path: "a.srt", Data: make([]byte, 10)},
		torrenttest.File{Path: ".pad/6", Data: make([]byte, 6)},
		torrenttest.File{Path: "b.srt", Data: make([]byte, 10)},
	)
	tt.Info.Files[1].Attr = "p"

	m, err := ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(err)
	require.Len(m.Files, 2)
	require.EqualValues(16, m.Files[1].Offset)
	require.Equal(1, m.Files[1].Index)
}

func TestManifestRejectsBadPieces(t *testing.T) {
	info := &metainfo.Info{Name: "x", PieceLength: 16, Length: 40, Pieces: make([]byte, 20)}
	_, err := ManifestFromInfo(metainfo.Hash{}, info)
	require.Error(t, err)
}
