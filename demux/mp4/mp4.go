// Package mp4 extracts timed text tracks from ISO base media files.
package mp4

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/torrent-subx/demux"
	"github.com/jkaberg/torrent-subx/subtitle"
)

func init() {
	demux.Register(demux.MP4, func(r io.ReaderAt, size int64) (demux.Demuxer, error) {
		f, err := Open(r, size)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

var handlers = map[string]bool{
	"sbtl": true,
	"text": true,
	"subt": true,
	"clcp": true,
}

var codecs = map[string]subtitle.Format{
	"tx3g": subtitle.SRT,
	"wvtt": subtitle.VTT,
}

type trex struct {
	duration uint32
	size     uint32
}

type track struct {
	demux.Track
	timescale uint32
	header    string
	defaults  trex
	next      uint64
}

// File is an opened MP4 file.
type File struct {
	r          *reader
	tracks     []*track
	byID       map[uint32]*track
	trex       map[uint32]trex
	fragmented bool
	log        zerolog.Logger
}

// Open hops over the top level boxes to the movie box, wherever it is in the
// file, and builds the sample tables of all timed text tracks. Movie
// fragments are indexed as well when the movie is fragmented.
func Open(r io.ReaderAt, size int64) (*File, error) {
	f := &File{
		r:    &reader{r: r, size: size},
		byID: map[uint32]*track{},
		trex: map[uint32]trex{},
		log:  log.Logger.With().Str("component", "mp4").Logger(),
	}

	var moov *box
	var moofs []box
	for off := int64(0); off < size; {
		b, err := f.r.header(off)
		if err != nil {
			return nil, err
		}
		switch b.typ {
		case "moov":
			if moov == nil {
				m := b
				moov = &m
			}
		case "moof":
			moofs = append(moofs, b)
		}
		off = b.end()
	}
	if moov == nil {
		return nil, demux.Malformed("no movie box")
	}

	body, err := f.r.body(*moov)
	if err != nil {
		return nil, err
	}
	if err := f.parseMoov(body); err != nil {
		return nil, err
	}

	if f.fragmented && len(f.tracks) > 0 {
		f.log.Debug().Int("fragments", len(moofs)).Int("tracks", len(f.tracks)).Msg("indexing movie fragments")
		for _, t := range f.tracks {
			if d, ok := f.trex[uint32(t.ID)]; ok {
				t.defaults = d
			}
		}
		for _, m := range moofs {
			body, err := f.r.body(m)
			if err != nil {
				return nil, err
			}
			if err := f.parseMoof(m.offset, body); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range f.tracks {
		sort.SliceStable(t.Blocks, func(i, j int) bool { return t.Blocks[i].Offset < t.Blocks[j].Offset })
		t.Indexed = true
	}
	return f, nil
}

func (f *File) parseMoov(b []byte) error {
	return walk(b, func(typ string, data []byte) error {
		switch typ {
		case "trak":
			return f.parseTrak(data)
		case "mvex":
			f.fragmented = true
			return walk(data, func(typ string, data []byte) error {
				if typ != "trex" {
					return nil
				}
				fl := &fields{b: data}
				fl.versionFlags()
				id := fl.u32()
				fl.skip(4)
				d := trex{duration: fl.u32(), size: fl.u32()}
				if fl.err != nil {
					return fl.err
				}
				f.trex[id] = d
				return nil
			})
		}
		return nil
	})
}

func (f *File) parseTrak(b []byte) error {
	var (
		id        uint32
		enabled   bool
		handler   string
		name      string
		timescale uint32
		lang      = "und"
		stbl      []byte
	)

	err := walk(b, func(typ string, data []byte) error {
		switch typ {
		case "tkhd":
			fl := &fields{b: data}
			v, flags := fl.versionFlags()
			if v == 1 {
				fl.skip(16)
			} else {
				fl.skip(8)
			}
			id = fl.u32()
			enabled = flags&1 != 0
			return fl.err
		case "mdia":
			return walk(data, func(typ string, data []byte) error {
				switch typ {
				case "mdhd":
					fl := &fields{b: data}
					v, _ := fl.versionFlags()
					if v == 1 {
						fl.skip(16)
						timescale = fl.u32()
						fl.skip(8)
					} else {
						fl.skip(8)
						timescale = fl.u32()
						fl.skip(4)
					}
					lang = unpackLanguage(fl.u16())
					return fl.err
				case "hdlr":
					fl := &fields{b: data}
					fl.versionFlags()
					fl.skip(4)
					handler = string(fl.rest()[:min(4, len(fl.rest()))])
					fl.skip(16)
					name = strings.TrimRight(string(fl.rest()), "\x00")
					return fl.err
				case "minf":
					return walk(data, func(typ string, data []byte) error {
						if typ == "stbl" {
							stbl = data
						}
						return nil
					})
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !handlers[handler] {
		return nil
	}
	if id == 0 {
		return demux.Malformed("track header without track id")
	}
	if timescale == 0 {
		return demux.Malformed("track %d has no timescale", id)
	}

	t := &track{
		Track: demux.Track{
			ID:       int64(id),
			Language: lang,
			Name:     name,
			Default:  enabled,
		},
		timescale: timescale,
	}
	if stbl != nil {
		if err := f.parseStbl(t, stbl); err != nil {
			return err
		}
	}
	f.tracks = append(f.tracks, t)
	f.byID[id] = t
	return nil
}

// unpackLanguage decodes the ISO 639-2 code packed into three five bit
// letters.
func unpackLanguage(v uint16) string {
	if v == 0 || v == 0x7FFF {
		return "und"
	}
	return string([]byte{
		byte(v>>10&0x1F) + 0x60,
		byte(v>>5&0x1F) + 0x60,
		byte(v&0x1F) + 0x60,
	})
}

type stscEntry struct {
	first, perChunk uint32
}

type sttsEntry struct {
	count, delta uint32
}

func (f *File) parseStbl(t *track, b []byte) error {
	var (
		sizes   []uint32
		uniform uint32
		count   uint32
		chunks  []uint64
		stsc    []stscEntry
		stts    []sttsEntry
	)

	err := walk(b, func(typ string, data []byte) error {
		fl := &fields{b: data}
		switch typ {
		case "stsd":
			fl.versionFlags()
			if fl.u32() == 0 {
				return demux.Malformed("track %d has no sample description", t.ID)
			}
			return walk(fl.rest(), func(typ string, data []byte) error {
				if t.CodecID != "" {
					return nil
				}
				t.CodecID = typ
				t.Codec = codecs[typ]
				if typ == "wvtt" && len(data) > 8 {
					return walk(data[8:], func(typ string, data []byte) error {
						if typ == "vttC" {
							t.header = string(data)
						}
						return nil
					})
				}
				return nil
			})
		case "stsz":
			fl.versionFlags()
			uniform = fl.u32()
			count = fl.u32()
			if fl.err != nil {
				return fl.err
			}
			if uniform == 0 {
				if uint64(count)*4 > uint64(len(fl.rest())) {
					return demux.Malformed("sample size table truncated")
				}
				sizes = make([]uint32, count)
				for i := range sizes {
					sizes[i] = fl.u32()
				}
			}
		case "stco", "co64":
			fl.versionFlags()
			n := fl.u32()
			width := uint64(4)
			if typ == "co64" {
				width = 8
			}
			if uint64(n)*width > uint64(len(fl.rest())) {
				return demux.Malformed("chunk offset table truncated")
			}
			chunks = make([]uint64, n)
			for i := range chunks {
				if typ == "co64" {
					chunks[i] = fl.u64()
				} else {
					chunks[i] = uint64(fl.u32())
				}
			}
		case "stsc":
			fl.versionFlags()
			n := fl.u32()
			if uint64(n)*12 > uint64(len(fl.rest())) {
				return demux.Malformed("sample to chunk table truncated")
			}
			stsc = make([]stscEntry, n)
			for i := range stsc {
				stsc[i] = stscEntry{first: fl.u32(), perChunk: fl.u32()}
				fl.skip(4)
			}
		case "stts":
			fl.versionFlags()
			n := fl.u32()
			if uint64(n)*8 > uint64(len(fl.rest())) {
				return demux.Malformed("time to sample table truncated")
			}
			stts = make([]sttsEntry, n)
			for i := range stts {
				stts[i] = sttsEntry{count: fl.u32(), delta: fl.u32()}
			}
		}
		return fl.err
	})
	if err != nil {
		return err
	}

	if count == 0 {
		return nil
	}
	sizeOf := func(i uint32) uint32 {
		if uniform != 0 {
			return uniform
		}
		return sizes[i]
	}

	var times []uint64
	var durs []uint32
	var at uint64
	for _, e := range stts {
		for i := uint32(0); i < e.count && uint32(len(times)) < count; i++ {
			times = append(times, at)
			durs = append(durs, e.delta)
			at += uint64(e.delta)
		}
	}
	if uint32(len(times)) < count {
		return demux.Malformed("time to sample table covers %d of %d samples", len(times), count)
	}

	var s uint32
	for ci, off := range chunks {
		chunk := uint32(ci + 1)
		per := uint32(0)
		for _, e := range stsc {
			if e.first > chunk {
				break
			}
			per = e.perChunk
		}
		for k := uint32(0); k < per && s < count; k++ {
			size := sizeOf(s)
			if size > 0 {
				t.Blocks = append(t.Blocks, demux.Block{
					Offset:   int64(off),
					Size:     int64(size),
					Start:    scale(times[s], t.timescale),
					Duration: scale(uint64(durs[s]), t.timescale),
				})
			}
			off += uint64(size)
			s++
		}
	}
	if s < count {
		return demux.Malformed("chunk tables cover %d of %d samples", s, count)
	}
	t.next = at
	return nil
}

func scale(ticks uint64, timescale uint32) time.Duration {
	ts := uint64(timescale)
	return time.Duration(ticks/ts)*time.Second + time.Duration(ticks%ts)*time.Second/time.Duration(ts)
}

const (
	tfhdBaseOffset   = 0x01
	tfhdDescIndex    = 0x02
	tfhdDuration     = 0x08
	tfhdSize         = 0x10
	tfhdFlags        = 0x20
	trunDataOffset   = 0x01
	trunFirstFlags   = 0x04
	trunDuration     = 0x100
	trunSize         = 0x200
	trunFlags        = 0x400
	trunCompositionO = 0x800
)

func (f *File) parseMoof(offset int64, b []byte) error {
	return walk(b, func(typ string, data []byte) error {
		if typ != "traf" {
			return nil
		}
		return f.parseTraf(offset, data)
	})
}

func (f *File) parseTraf(moof int64, b []byte) error {
	var t *track
	var d trex
	base := moof
	cursor := int64(-1)

	return walk(b, func(typ string, data []byte) error {
		fl := &fields{b: data}
		switch typ {
		case "tfhd":
			_, flags := fl.versionFlags()
			id := fl.u32()
			t = f.byID[id]
			if t == nil {
				return fl.err
			}
			d = t.defaults
			if flags&tfhdBaseOffset != 0 {
				base = int64(fl.u64())
			}
			if flags&tfhdDescIndex != 0 {
				fl.skip(4)
			}
			if flags&tfhdDuration != 0 {
				d.duration = fl.u32()
			}
			if flags&tfhdSize != 0 {
				d.size = fl.u32()
			}
		case "tfdt":
			if t == nil {
				return nil
			}
			v, _ := fl.versionFlags()
			if v == 1 {
				t.next = fl.u64()
			} else {
				t.next = uint64(fl.u32())
			}
		case "trun":
			if t == nil {
				return nil
			}
			_, flags := fl.versionFlags()
			n := fl.u32()
			pos := base
			if cursor >= 0 {
				pos = cursor
			}
			if flags&trunDataOffset != 0 {
				pos = base + int64(int32(fl.u32()))
			}
			if flags&trunFirstFlags != 0 {
				fl.skip(4)
			}
			per := 0
			for _, bit := range []uint32{trunDuration, trunSize, trunFlags, trunCompositionO} {
				if flags&bit != 0 {
					per += 4
				}
			}
			if fl.err == nil && uint64(n)*uint64(per) > uint64(len(fl.rest())) {
				return demux.Malformed("track run of %d samples truncated", n)
			}
			for i := uint32(0); i < n && fl.err == nil; i++ {
				dur, size := d.duration, d.size
				if flags&trunDuration != 0 {
					dur = fl.u32()
				}
				if flags&trunSize != 0 {
					size = fl.u32()
				}
				if flags&trunFlags != 0 {
					fl.skip(4)
				}
				if flags&trunCompositionO != 0 {
					fl.skip(4)
				}
				if size > 0 {
					t.Blocks = append(t.Blocks, demux.Block{
						Offset:   pos,
						Size:     int64(size),
						Start:    scale(t.next, t.timescale),
						Duration: scale(uint64(dur), t.timescale),
					})
				}
				pos += int64(size)
				t.next += uint64(dur)
			}
			cursor = pos
		}
		return fl.err
	})
}

// Tracks lists the timed text tracks.
func (f *File) Tracks() ([]demux.Track, error) {
	out := make([]demux.Track, 0, len(f.tracks))
	for _, t := range f.tracks {
		tt := t.Track
		tt.Blocks = append([]demux.Block(nil), t.Blocks...)
		out = append(out, tt)
	}
	return out, nil
}
