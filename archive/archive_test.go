package archive

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/subtitle"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExpandZip(t *testing.T) {
	require := require.New(t)

	data := zipOf(t, map[string]string{
		"subs/b.ass":    "[Script Info]",
		"subs\\a.srt":   "1\n00:00:01,000 --> 00:00:02,000\nhi\n",
		"readme.txt":    "ignored",
		"../escape.vtt": "WEBVTT",
		"subs/big.srt":  string(bytes.Repeat([]byte("x"), 64)),
		"subs/nested/":  "",
	})

	files, err := Expand("Subs.ZIP", bytes.NewReader(data), int64(len(data)), 48)
	require.NoError(err)
	require.Len(files, 3)

	require.Equal("escape.vtt", files[0].Path)
	require.Equal(subtitle.VTT, files[0].Format)
	require.Equal("subs/a.srt", files[1].Path)
	require.Equal(subtitle.SRT, files[1].Format)
	require.Equal("subs/b.ass", files[2].Path)
	require.Equal("[Script Info]", string(files[2].Data))
}

func TestExpandBroken(t *testing.T) {
	require := require.New(t)

	junk := []byte("this is not an archive at all")
	for _, name := range []string{"a.zip", "a.rar", "a.7z"} {
		_, err := Expand(name, bytes.NewReader(junk), int64(len(junk)), 0)
		require.Error(err, name)
		require.True(errors.Is(err, ErrArchive), name)
	}

	_, err := Expand("a.tar", bytes.NewReader(junk), int64(len(junk)), 0)
	require.Error(err)
	require.False(errors.Is(err, ErrArchive))
}

func TestSupported(t *testing.T) {
	require.True(t, Supported("x/Y.RAR"))
	require.True(t, Supported("y.7z"))
	require.False(t, Supported("y.tar.gz"))
}
