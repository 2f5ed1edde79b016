package demux

import (
	"bytes"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	require := require.New(t)

	require.Equal("a\nb\nc", NormalizeText([]byte("a\r\nb\rc\r\n")))
	require.Equal("cut", NormalizeText([]byte("cut\x00garbage")))
	require.Equal("", NormalizeText(nil))
}

func TestBuildSRT(t *testing.T) {
	cues := []Cue{
		{Start: 1500 * time.Millisecond, Text: "first"},
		{Start: 3 * time.Second, End: 4 * time.Second, Text: "  "},
		{Start: time.Hour + 2*time.Minute + 3*time.Second + 4*time.Millisecond, Text: "last"},
	}
	FillEnds(cues)
	require.Equal(t, 3*time.Second, cues[0].End)

	require.Equal(t,
		"1\n00:00:01,500 --> 00:00:03,000\nfirst\n\n2\n01:02:03,004 --> 01:02:05,004\nlast\n\n",
		string(BuildSRT(cues)))
}

func TestBuildVTT(t *testing.T) {
	require := require.New(t)

	cues := []Cue{{Start: 0, End: 1250 * time.Millisecond, Text: "hi"}}
	require.Equal("WEBVTT\n\n00:00:00.000 --> 00:00:01.250\nhi\n\n", string(BuildVTT("", cues)))
	require.Equal("WEBVTT - styled\n\nNOTE x\n\n00:00:00.000 --> 00:00:01.250\nhi\n\n",
		string(BuildVTT("WEBVTT - styled\n\nNOTE x\n", cues)))
}

func TestBuildASS(t *testing.T) {
	require := require.New(t)

	var lines []Dialogue
	for i, raw := range []string{"2,0,Default,,0,0,0,,c", "0,0,Default,,0,0,0,,a", "1,1,Top,,0,0,0,,b, with comma"} {
		d, ok := ParseDialogue(raw, time.Duration(i)*time.Second, time.Duration(i+1)*time.Second)
		require.True(ok)
		lines = append(lines, d)
	}
	_, ok := ParseDialogue("no order here", 0, 0)
	require.False(ok)

	header := "[Script Info]\nTitle: x\n\n[V4+ Styles]\nStyle: Default\n\n[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n"
	out := string(BuildASS(header, false, lines))
	require.Equal(header+
		"Dialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,a\n"+
		"Dialogue: 1,0:00:02.00,0:00:03.00,Top,,0,0,0,,b, with comma\n"+
		"Dialogue: 0,0:00:00.00,0:00:01.00,Default,,0,0,0,,c\n", out)

	ssa := string(BuildASS("[Script Info]", true, nil))
	require.Contains(ssa, "[Events]\nFormat: Marked,")
}

func TestPGSSegments(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(PGSSegments(&buf, []byte{0x80, 0x00, 0x00}, 2*time.Second))
	require.Equal([]byte{'P', 'G', 0x00, 0x02, 0xBF, 0x20, 0, 0, 0, 0, 0x80, 0x00, 0x00}, buf.Bytes())

	err := PGSSegments(&buf, []byte{0x16, 0x00, 0x09, 0x01}, 0)
	require.True(errors.Is(err, ErrContainerParse))
}

func TestReadFull(t *testing.T) {
	require := require.New(t)

	r := byteReader("0123456789")
	b, err := ReadFull(r, 2, 3)
	require.NoError(err)
	require.Equal("234", string(b))

	_, err = ReadFull(r, 8, 5)
	require.True(errors.Is(err, ErrContainerParse))

	boom := errors.New("boom")
	_, err = ReadFull(failingReader{boom}, 0, 4)
	require.ErrorIs(err, boom)
	require.False(errors.Is(err, ErrContainerParse))
}

type failingReader struct{ err error }

func (f failingReader) ReadAt([]byte, int64) (int, error) { return 0, f.err }

func TestContainerFromPath(t *testing.T) {
	require := require.New(t)

	require.Equal(Matroska, ContainerFromPath("a/B.MKV"))
	require.Equal(MP4, ContainerFromPath("b.mp4"))
	require.Equal(ContainerUnknown, ContainerFromPath("c.avi"))
}
