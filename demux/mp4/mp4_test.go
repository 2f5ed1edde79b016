package mp4

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/demux"
	"github.com/jkaberg/torrent-subx/subtitle"
)

func bx(typ string, parts ...[]byte) []byte {
	body := bytes.Join(parts, nil)
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out, uint32(8+len(body)))
	copy(out[4:], typ)
	return append(out, body...)
}

func full(typ string, v byte, flags uint32, parts ...[]byte) []byte {
	head := []byte{v, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return bx(typ, append([][]byte{head}, parts...)...)
}

func be32(vs ...uint32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func be16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func be64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func packLanguage(s string) uint16 {
	return uint16(s[0]-0x60)<<10 | uint16(s[1]-0x60)<<5 | uint16(s[2]-0x60)
}

func trak(id uint32, handler, lang string, entry []byte, tables ...[]byte) []byte {
	return bx("trak",
		full("tkhd", 0, 1, be32(0, 0, id), make([]byte, 60)),
		bx("mdia",
			full("mdhd", 0, 0, be32(0, 0, 1000, 0), be16(packLanguage(lang)), be16(0)),
			full("hdlr", 0, 0, be32(0), []byte(handler), make([]byte, 12), []byte("SubtitleHandler\x00")),
			bx("minf", bx("stbl", append([][]byte{full("stsd", 0, 0, be32(1), entry)}, tables...)...)),
		),
	)
}

func stts(pairs ...uint32) []byte {
	return full("stts", 0, 0, be32(uint32(len(pairs)/2)), be32(pairs...))
}

func stsz(sizes ...uint32) []byte {
	return full("stsz", 0, 0, be32(0, uint32(len(sizes))), be32(sizes...))
}

func stsc(first, per uint32) []byte {
	return full("stsc", 0, 0, be32(1, first, per, 1))
}

func tx3gSample(s string) []byte {
	return append(be16(uint16(len(s))), s...)
}

var (
	ftyp       = bx("ftyp", []byte("isom"), be32(0), []byte("isom"))
	mvhd       = full("mvhd", 0, 0, make([]byte, 96))
	tx3gEntry  = bx("tx3g", make([]byte, 8), make([]byte, 30))
	wvttEntry  = bx("wvtt", make([]byte, 8), bx("vttC", []byte("WEBVTT")))
	stppEntry  = bx("stpp", make([]byte, 8))
	videoEntry = bx("avc1", make([]byte, 78))
)

type sampleFile struct {
	data  []byte
	video [][2]int64
}

// flatFile places all samples in one mdat ahead of the movie box.
func flatFile() sampleFile {
	video := bytes.Repeat([]byte{0xEE}, 100)
	s1, s2, s3 := tx3gSample("Hello"), tx3gSample(""), tx3gSample("World\r\n")
	w1, w2 := bx("vttc", bx("sttg", []byte("line:0")), bx("payl", []byte("Bonjour"))), bx("vtte")

	mdat := bytes.Join([][]byte{video, s1, s2, s3, w1, w2, video}, nil)
	start := uint32(len(ftyp) + 8)
	txAt := start + uint32(len(video))
	wAt := txAt + uint32(len(s1)+len(s2)+len(s3))
	videoAt := [2]int64{int64(start), int64(start) + 100}
	videoEnd := int64(wAt) + int64(len(w1)+len(w2))

	moov := bx("moov", mvhd,
		trak(1, "vide", "und", videoEntry),
		trak(2, "sbtl", "jpn", tx3gEntry,
			stts(1, 1000, 1, 1500, 1, 2000),
			stsc(1, 3),
			stsz(uint32(len(s1)), uint32(len(s2)), uint32(len(s3))),
			full("stco", 0, 0, be32(1, txAt)),
		),
		trak(3, "text", "chi", wvttEntry,
			stts(1, 2000, 1, 1000),
			stsc(1, 2),
			stsz(uint32(len(w1)), uint32(len(w2))),
			full("co64", 0, 0, be32(1), be64(uint64(wAt))),
		),
		trak(4, "subt", "eng", stppEntry, stts(), stsz()),
	)

	return sampleFile{
		data:  bytes.Join([][]byte{ftyp, bx("mdat", mdat), moov}, nil),
		video: [][2]int64{videoAt, {videoEnd, videoEnd + 100}},
	}
}

type countingReader struct {
	r     io.ReaderAt
	reads [][2]int64
}

func (c *countingReader) ReadAt(p []byte, off int64) (int, error) {
	c.reads = append(c.reads, [2]int64{off, off + int64(len(p))})
	return c.r.ReadAt(p, off)
}

func (c *countingReader) touched(r [2]int64) bool {
	for _, rd := range c.reads {
		if rd[0] < r[1] && r[0] < rd[1] {
			return true
		}
	}
	return false
}

func TestTracks(t *testing.T) {
	require := require.New(t)

	s := flatFile()
	f, err := Open(bytes.NewReader(s.data), int64(len(s.data)))
	require.NoError(err)

	tracks, err := f.Tracks()
	require.NoError(err)
	require.Len(tracks, 3)

	require.EqualValues(2, tracks[0].ID)
	require.Equal("tx3g", tracks[0].CodecID)
	require.Equal(subtitle.SRT, tracks[0].Codec)
	require.Equal("jpn", tracks[0].Language)
	require.Equal("SubtitleHandler", tracks[0].Name)
	require.True(tracks[0].Indexed)
	require.Len(tracks[0].Blocks, 3)
	require.Equal(2500*time.Millisecond, tracks[0].Blocks[2].Start)
	require.Equal(2*time.Second, tracks[0].Blocks[2].Duration)

	require.Equal(subtitle.VTT, tracks[1].Codec)
	require.Equal("chi", tracks[1].Language)

	require.Equal("stpp", tracks[2].CodecID)
	require.False(tracks[2].Supported())
}

func TestExtract(t *testing.T) {
	require := require.New(t)

	s := flatFile()
	r := &countingReader{r: bytes.NewReader(s.data)}
	d, err := demux.Open(demux.MP4, r, int64(len(s.data)))
	require.NoError(err)
	tracks, err := d.Tracks()
	require.NoError(err)

	res, err := d.Extract(tracks)
	require.NoError(err)
	require.Len(res, 3)

	require.NoError(res[0].Err)
	require.Equal("1\n00:00:00,000 --> 00:00:01,000\nHello\n\n2\n00:00:02,500 --> 00:00:04,500\nWorld\n\n",
		string(res[0].Subtitle.Content))

	require.NoError(res[1].Err)
	require.Equal(subtitle.VTT, res[1].Subtitle.Format)
	require.Equal("WEBVTT\n\n00:00:00.000 --> 00:00:02.000\nBonjour\n\n", string(res[1].Subtitle.Content))

	var unsupported *demux.UnsupportedCodecError
	require.True(errors.As(res[2].Err, &unsupported))
	require.Equal("stpp", unsupported.Codec)

	for _, v := range s.video {
		require.False(r.touched(v), "video samples at %v were read", v)
	}
}

func TestFragmented(t *testing.T) {
	require := require.New(t)

	one, two := tx3gSample("One"), tx3gSample("Two")
	moov := bx("moov", mvhd,
		bx("mvex", full("trex", 0, 0, be32(1, 1, 500, 0, 0))),
		trak(1, "sbtl", "chi", tx3gEntry, stts(), stsz(), full("stco", 0, 0, be32(0))),
	)
	moof := func(dataOffset uint32) []byte {
		return bx("moof",
			full("mfhd", 0, 0, be32(1)),
			bx("traf",
				full("tfhd", 0, 0x20000, be32(1)),
				full("tfdt", 1, 0, be64(1000)),
				full("trun", 0, trunDataOffset|trunSize, be32(2, dataOffset, uint32(len(one)), uint32(len(two)))),
			),
		)
	}
	frag := moof(uint32(len(moof(0)) + 8))
	data := bytes.Join([][]byte{ftyp, moov, frag, bx("mdat", one, two)}, nil)

	f, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(err)
	tracks, err := f.Tracks()
	require.NoError(err)
	require.Len(tracks, 1)
	require.Len(tracks[0].Blocks, 2)

	res, err := f.Extract(tracks)
	require.NoError(err)
	require.NoError(res[0].Err)
	require.Equal("1\n00:00:01,000 --> 00:00:01,500\nOne\n\n2\n00:00:01,500 --> 00:00:02,000\nTwo\n\n",
		string(res[0].Subtitle.Content))
}

func TestMalformed(t *testing.T) {
	require := require.New(t)

	noMoov := bytes.Join([][]byte{ftyp, bx("mdat", make([]byte, 32))}, nil)
	_, err := Open(bytes.NewReader(noMoov), int64(len(noMoov)))
	require.True(errors.Is(err, demux.ErrContainerParse), "%v", err)

	s := flatFile()
	cut := s.data[:len(s.data)-20]
	_, err = Open(bytes.NewReader(cut), int64(len(cut)))
	require.True(errors.Is(err, demux.ErrContainerParse), "%v", err)

	bad := bx("moov", mvhd, trak(2, "sbtl", "jpn", tx3gEntry, full("stsz", 0, 0, be32(0, 1000))))
	_, err = Open(bytes.NewReader(bad), int64(len(bad)))
	require.True(errors.Is(err, demux.ErrContainerParse), "%v", err)
}

func TestTx3gText(t *testing.T) {
	require := require.New(t)

	text, err := tx3gText(append(be16(6), 0xFE, 0xFF, 0x00, 'H', 0x00, 'i'))
	require.NoError(err)
	require.Equal("Hi", text)

	text, err = tx3gText(append(tx3gSample("Line 1\r\nLine 2"), bx("styl", be16(0))...))
	require.NoError(err)
	require.Equal("Line 1\nLine 2", text)

	_, err = tx3gText(be16(10))
	require.True(errors.Is(err, demux.ErrContainerParse))
}

func TestUnpackLanguage(t *testing.T) {
	require.Equal(t, "jpn", unpackLanguage(packLanguage("jpn")))
	require.Equal(t, "und", unpackLanguage(0))
}
