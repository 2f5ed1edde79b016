package candidate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/torrent"
	"github.com/jkaberg/torrent-subx/torrent/torrenttest"
)

func manifest(t *testing.T, files ...torrenttest.File) *torrent.Manifest {
	t.Helper()
	tt := torrenttest.New("Pack", 64, files...)
	m, err := torrent.ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(t, err)
	return m
}

func TestSelect(t *testing.T) {
	require := require.New(t)

	m := manifest(t,
		torrenttest.File{Path: "Show.S01E01.MKV", Data: make([]byte, 10)},
		torrenttest.File{Path: "cover.jpg", Data: make([]byte, 10)},
		torrenttest.File{Path: "subs/Show.S01E01.chs.ass", Data: make([]byte, 10)},
		torrenttest.File{Path: "extra.mp4", Data: make([]byte, 10)},
		torrenttest.File{Path: "subs.zip", Data: make([]byte, 10)},
		torrenttest.File{Path: "image.sup", Data: make([]byte, 10)},
		torrenttest.File{Path: "readme.txt", Data: make([]byte, 10)},
	)

	got := Select(m, Options{})
	require.Equal([]Candidate{
		{Index: 0, Path: "Show.S01E01.MKV", Length: 10, Kind: MKV},
		{Index: 2, Path: "subs/Show.S01E01.chs.ass", Length: 10, Kind: External},
		{Index: 3, Path: "extra.mp4", Length: 10, Kind: MP4},
		{Index: 5, Path: "image.sup", Length: 10, Kind: External},
	}, got)

	// pure: same input, same output
	require.Equal(got, Select(m, Options{}))
}

func TestSelectArchives(t *testing.T) {
	require := require.New(t)

	m := manifest(t,
		torrenttest.File{Path: "small.zip", Data: make([]byte, 10)},
		torrenttest.File{Path: "big.7z", Data: make([]byte, 100)},
		torrenttest.File{Path: "subs.RAR", Data: make([]byte, 50)},
	)

	got := Select(m, Options{Archives: true, ArchiveMaxSize: 50})
	require.Len(got, 2)
	require.Equal("small.zip", got[0].Path)
	require.Equal(Archive, got[0].Kind)
	require.Equal("subs.RAR", got[1].Path)

	require.Empty(Select(m, Options{ArchiveMaxSize: 50}))
}

func TestKindOf(t *testing.T) {
	require := require.New(t)

	require.Equal(External, KindOf("a.SRT"))
	require.Equal(External, KindOf("a.vtt"))
	require.Equal(MKV, KindOf("dir/a.mkv"))
	require.Equal(MP4, KindOf("a.Mp4"))
	require.Equal(Excluded, KindOf("a.nfo"))
	require.Equal(Excluded, KindOf("noext"))
	require.True(MKV.IsContainer())
	require.False(External.IsContainer())
	require.Equal("excluded", Excluded.String())
}
