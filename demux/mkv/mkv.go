// Package mkv extracts subtitle tracks from Matroska files.
package mkv

import (
	"fmt"
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
	demux.Register(demux.Matroska, func(r io.ReaderAt, size int64) (demux.Demuxer, error) {
		f, err := Open(r, size)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

var codecs = map[string]subtitle.Format{
	"S_TEXT/UTF8":   subtitle.SRT,
	"S_TEXT/ASCII":  subtitle.SRT,
	"S_TEXT/ASS":    subtitle.ASS,
	"S_ASS":         subtitle.ASS,
	"S_TEXT/SSA":    subtitle.SSA,
	"S_SSA":         subtitle.SSA,
	"S_TEXT/WEBVTT": subtitle.VTT,
	"S_HDMV/PGS":    subtitle.SUP,
}

const (
	encodingCompression = 0
	compZlib            = 0
	compHeaderStrip     = 3
)

type encoding struct {
	order    uint64
	scope    uint64
	typ      uint64
	algo     uint64
	settings []byte
}

type track struct {
	demux.Track
	kind      uint64
	private   []byte
	encodings []encoding
}

type cuePos struct {
	track    int64
	time     uint64
	cluster  uint64
	relative uint64
	hasRel   bool
	duration uint64
}

type cluster struct {
	data     int64
	end      int64
	timecode int64
}

// File is an opened Matroska file. Only the segment metadata is read on
// open.
type File struct {
	r        *reader
	segStart int64
	segEnd   int64
	scale    int64

	tracks       []*track
	byNumber     map[int64]*track
	cues         []cuePos
	firstCluster int64
	clusters     map[int64]cluster
	seekHeads    map[int64]bool

	log zerolog.Logger
}

// Open reads the EBML header, the segment's seek index, segment info, tracks
// and cues.
func Open(r io.ReaderAt, size int64) (*File, error) {
	f := &File{
		r:            &reader{r: r, size: size},
		scale:        1000000,
		byNumber:     map[int64]*track{},
		firstCluster: -1,
		clusters:     map[int64]cluster{},
		seekHeads:    map[int64]bool{},
		log:          log.Logger.With().Str("component", "mkv").Logger(),
	}

	head, err := f.r.header(0)
	if err != nil {
		return nil, err
	}
	if head.id != idEBML {
		return nil, demux.Malformed("not an EBML file")
	}
	hb, err := f.r.body(head)
	if err != nil {
		return nil, err
	}
	if err := walk(hb, func(id uint32, data []byte) error {
		if id == idDocType {
			dt := strings.TrimRight(string(data), "\x00")
			if dt != "matroska" && dt != "webm" {
				return demux.Malformed("unsupported EBML doc type %q", dt)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	seg, err := f.r.header(head.end())
	if err != nil {
		return nil, err
	}
	if seg.id != idSegment {
		return nil, demux.Malformed("missing segment element")
	}
	f.segStart = seg.data
	f.segEnd = size
	if seg.size != unknownSize {
		f.segEnd = seg.end()
	}

	if err := f.readSegmentHead(); err != nil {
		return nil, err
	}
	if len(f.tracks) == 0 {
		return nil, demux.Malformed("no tracks element")
	}
	if err := f.locateFromCues(); err != nil {
		return nil, err
	}
	return f, nil
}

// readSegmentHead walks level one elements up to the first cluster and
// follows seek entries for what comes after it.
func (f *File) readSegmentHead() error {
	seen := map[uint32]bool{}
	seeks := map[uint32][]int64{}

	for off := f.segStart; off < f.segEnd; {
		e, err := f.r.header(off)
		if err != nil {
			return err
		}
		if e.id == idCluster {
			f.firstCluster = e.offset
			break
		}
		if err := f.readLevelOne(e, seen, seeks); err != nil {
			return err
		}
		if e.size == unknownSize {
			break
		}
		off = e.end()
	}

	for len(seeks) > 0 {
		pending := seeks
		seeks = map[uint32][]int64{}
		for _, id := range []uint32{idSeekHead, idInfo, idTracks, idCues} {
			if seen[id] && id != idSeekHead {
				continue
			}
			for _, pos := range pending[id] {
				e, err := f.r.header(pos)
				if err != nil {
					return err
				}
				if e.id != id {
					f.log.Debug().Uint32("want", id).Uint32("got", e.id).Int64("offset", pos).Msg("seek entry points to another element")
					continue
				}
				if err := f.readLevelOne(e, seen, seeks); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (f *File) readLevelOne(e element, seen map[uint32]bool, seeks map[uint32][]int64) error {
	switch e.id {
	case idSeekHead, idInfo, idTracks, idCues:
	default:
		return nil
	}
	if seen[e.id] && e.id != idSeekHead {
		return nil
	}
	if e.id == idSeekHead && f.seekHeads[e.offset] {
		return nil
	}

	b, err := f.r.body(e)
	if err != nil {
		return err
	}
	seen[e.id] = true

	switch e.id {
	case idSeekHead:
		f.seekHeads[e.offset] = true
		return f.parseSeekHead(b, seeks)
	case idInfo:
		return f.parseInfo(b)
	case idTracks:
		return f.parseTracks(b)
	case idCues:
		return f.parseCues(b)
	}
	return nil
}

func (f *File) parseSeekHead(b []byte, seeks map[uint32][]int64) error {
	return walk(b, func(id uint32, data []byte) error {
		if id != idSeek {
			return nil
		}
		var target uint32
		var pos int64 = -1
		if err := walk(data, func(id uint32, data []byte) error {
			switch id {
			case idSeekID:
				target = uint32(readUint(data))
			case idSeekPosition:
				pos = int64(readUint(data))
			}
			return nil
		}); err != nil {
			return err
		}
		if target != 0 && pos >= 0 {
			seeks[target] = append(seeks[target], f.segStart+pos)
		}
		return nil
	})
}

func (f *File) parseInfo(b []byte) error {
	return walk(b, func(id uint32, data []byte) error {
		if id == idTimecodeScale {
			if s := int64(readUint(data)); s > 0 {
				f.scale = s
			}
		}
		return nil
	})
}

func (f *File) parseTracks(b []byte) error {
	return walk(b, func(id uint32, data []byte) error {
		if id != idTrackEntry {
			return nil
		}
		t := &track{Track: demux.Track{Language: "eng"}}
		var bcp47 string
		if err := walk(data, func(id uint32, data []byte) error {
			switch id {
			case idTrackNumber:
				t.ID = int64(readUint(data))
			case idTrackType:
				t.kind = readUint(data)
			case idFlagDefault:
				t.Default = readUint(data) != 0
			case idFlagForced:
				t.Forced = readUint(data) != 0
			case idName:
				t.Name = strings.TrimRight(string(data), "\x00")
			case idLanguage:
				t.Language = strings.TrimRight(string(data), "\x00")
			case idLanguageBCP47:
				bcp47 = strings.TrimRight(string(data), "\x00")
			case idCodecID:
				t.CodecID = strings.TrimRight(string(data), "\x00")
			case idCodecPrivate:
				t.private = append([]byte(nil), data...)
			case idContentEncodings:
				return f.parseEncodings(t, data)
			}
			return nil
		}); err != nil {
			return err
		}
		if bcp47 != "" {
			t.Language = bcp47
		}
		if t.ID == 0 {
			return demux.Malformed("track entry without number")
		}
		if t.kind != trackTypeSubtitle && !strings.HasPrefix(t.CodecID, "S_") {
			return nil
		}
		t.Codec = codecs[t.CodecID]
		f.tracks = append(f.tracks, t)
		f.byNumber[t.ID] = t
		return nil
	})
}

func (f *File) parseEncodings(t *track, b []byte) error {
	return walk(b, func(id uint32, data []byte) error {
		if id != idContentEncoding {
			return nil
		}
		enc := encoding{scope: 1}
		if err := walk(data, func(id uint32, data []byte) error {
			switch id {
			case idContentEncodingOrd:
				enc.order = readUint(data)
			case idContentEncodingScp:
				enc.scope = readUint(data)
			case idContentEncodingType:
				enc.typ = readUint(data)
			case idContentCompression:
				return walk(data, func(id uint32, data []byte) error {
					switch id {
					case idContentCompAlgo:
						enc.algo = readUint(data)
					case idContentCompSettings:
						enc.settings = append([]byte(nil), data...)
					}
					return nil
				})
			}
			return nil
		}); err != nil {
			return err
		}
		t.encodings = append(t.encodings, enc)
		return nil
	})
}

func (f *File) parseCues(b []byte) error {
	return walk(b, func(id uint32, data []byte) error {
		if id != idCuePoint {
			return nil
		}
		var at uint64
		var positions []cuePos
		if err := walk(data, func(id uint32, data []byte) error {
			switch id {
			case idCueTime:
				at = readUint(data)
			case idCueTrackPositions:
				var p cuePos
				if err := walk(data, func(id uint32, data []byte) error {
					switch id {
					case idCueTrack:
						p.track = int64(readUint(data))
					case idCueClusterPosition:
						p.cluster = readUint(data)
					case idCueRelativePosition:
						p.relative = readUint(data)
						p.hasRel = true
					case idCueDuration:
						p.duration = readUint(data)
					}
					return nil
				}); err != nil {
					return err
				}
				positions = append(positions, p)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, p := range positions {
			p.time = at
			f.cues = append(f.cues, p)
		}
		return nil
	})
}

func (f *File) ticks(v int64) time.Duration {
	return time.Duration(v * f.scale)
}

// clusterAt reads a cluster header and its timecode.
func (f *File) clusterAt(off int64) (cluster, error) {
	if c, ok := f.clusters[off]; ok {
		return c, nil
	}
	e, err := f.r.header(off)
	if err != nil {
		return cluster{}, err
	}
	if e.id != idCluster {
		return cluster{}, demux.Malformed("expected cluster at %d, found element %x", off, e.id)
	}
	c := cluster{data: e.data, end: e.end()}
	if e.size == unknownSize {
		c.end = f.segEnd
	}

	for pos, i := c.data, 0; pos < c.end && i < 4; i++ {
		ch, err := f.r.header(pos)
		if err != nil {
			return cluster{}, err
		}
		if ch.id == idTimecode {
			b, err := f.r.body(ch)
			if err != nil {
				return cluster{}, err
			}
			c.timecode = int64(readUint(b))
			break
		}
		if ch.size == unknownSize {
			break
		}
		pos = ch.end()
	}

	f.clusters[off] = c
	return c, nil
}

// blockHead reads the track number and relative timecode of a SimpleBlock or
// BlockGroup, and the BlockGroup duration when present.
func (f *File) blockHead(e element) (trackNum int64, rel int16, dur int64, err error) {
	switch e.id {
	case idSimpleBlock:
		n := min(e.size, 11)
		b, err := demux.ReadFull(f.r.r, e.data, n)
		if err != nil {
			return 0, 0, 0, err
		}
		trackNum, rel, err = parseBlockHead(b)
		return trackNum, rel, 0, err
	case idBlockGroup:
		found := false
		for pos := e.data; pos < e.end(); {
			ch, err := f.r.header(pos)
			if err != nil {
				return 0, 0, 0, err
			}
			if ch.size == unknownSize {
				return 0, 0, 0, demux.Malformed("block group child of unknown size")
			}
			switch ch.id {
			case idBlock:
				b, err := demux.ReadFull(f.r.r, ch.data, min(ch.size, 11))
				if err != nil {
					return 0, 0, 0, err
				}
				trackNum, rel, err = parseBlockHead(b)
				if err != nil {
					return 0, 0, 0, err
				}
				found = true
			case idBlockDuration:
				b, err := f.r.body(ch)
				if err != nil {
					return 0, 0, 0, err
				}
				dur = int64(readUint(b))
			}
			pos = ch.end()
		}
		if !found {
			return 0, 0, 0, demux.Malformed("block group at %d without block", e.offset)
		}
		return trackNum, rel, dur, nil
	}
	return 0, 0, 0, demux.Malformed("expected block at %d, found element %x", e.offset, e.id)
}

func parseBlockHead(b []byte) (int64, int16, error) {
	num, n, err := readVint(b)
	if err != nil {
		return 0, 0, err
	}
	if len(b) < n+3 {
		return 0, 0, demux.Malformed("truncated block header")
	}
	return num, int16(uint16(b[n])<<8 | uint16(b[n+1])), nil
}

// locateFromCues turns cue entries of subtitle tracks into block locators.
func (f *File) locateFromCues() error {
	seen := map[int64]map[int64]bool{}
	for _, p := range f.cues {
		t, ok := f.byNumber[p.track]
		if !ok {
			continue
		}
		if seen[t.ID] == nil {
			seen[t.ID] = map[int64]bool{}
		}

		c, err := f.clusterAt(f.segStart + int64(p.cluster))
		if err != nil {
			return err
		}

		if !p.hasRel {
			if err := f.scanCluster(c, map[int64]*track{t.ID: t}, seen); err != nil {
				return err
			}
			t.Indexed = true
			continue
		}

		off := c.data + int64(p.relative)
		if seen[t.ID][off] {
			continue
		}
		e, err := f.r.header(off)
		if err != nil {
			return err
		}
		num, rel, dur, err := f.blockHead(e)
		if err != nil {
			return err
		}
		if num != t.ID {
			return demux.Malformed("cue for track %d points to a block of track %d", t.ID, num)
		}
		if dur == 0 {
			dur = int64(p.duration)
		}
		seen[t.ID][off] = true
		t.Blocks = append(t.Blocks, demux.Block{
			Offset:   off,
			Size:     e.end() - off,
			Start:    f.ticks(c.timecode + int64(rel)),
			Duration: f.ticks(dur),
		})
		t.Indexed = true
	}

	for _, t := range f.tracks {
		sortBlocks(t.Blocks)
	}
	return nil
}

func sortBlocks(b []demux.Block) {
	sort.Slice(b, func(i, j int) bool { return b[i].Offset < b[j].Offset })
}

// scanCluster adds the blocks of the given tracks found in one cluster.
func (f *File) scanCluster(c cluster, want map[int64]*track, seen map[int64]map[int64]bool) error {
	for pos := c.data; pos < c.end; {
		e, err := f.r.header(pos)
		if err != nil {
			return err
		}
		if e.size == unknownSize || isLevelOne(e.id) {
			break
		}
		if e.id == idSimpleBlock || e.id == idBlockGroup {
			num, rel, dur, err := f.blockHead(e)
			if err != nil {
				return err
			}
			if t, ok := want[num]; ok && !seen[num][e.offset] {
				if seen[num] == nil {
					seen[num] = map[int64]bool{}
				}
				seen[num][e.offset] = true
				t.Blocks = append(t.Blocks, demux.Block{
					Offset:   e.offset,
					Size:     e.end() - e.offset,
					Start:    f.ticks(c.timecode + int64(rel)),
					Duration: f.ticks(dur),
				})
			}
		}
		pos = e.end()
	}
	return nil
}

func isLevelOne(id uint32) bool {
	switch id {
	case idCluster, idCues, idTags, idChapters, idAttachments, idSeekHead, idInfo, idTracks:
		return true
	}
	return false
}

// scan walks every cluster of the segment and collects the blocks of the
// given tracks. It reads a header from every cluster and block.
func (f *File) scan(want map[int64]*track) error {
	start := f.firstCluster
	if start < 0 {
		start = f.segStart
	}
	seen := map[int64]map[int64]bool{}
	for _, t := range want {
		t.Blocks = nil
	}

	for off := start; off < f.segEnd; {
		e, err := f.r.header(off)
		if err != nil {
			return err
		}
		if e.id == idCluster {
			c, err := f.clusterAt(off)
			if err != nil {
				return err
			}
			if err := f.scanCluster(c, want, seen); err != nil {
				return err
			}
			off = c.end
			continue
		}
		if e.size == unknownSize {
			break
		}
		off = e.end()
	}

	for _, t := range want {
		sortBlocks(t.Blocks)
		t.Indexed = true
	}
	return nil
}

// Tracks lists the subtitle tracks. Tracks without cue entries come back
// with Indexed unset; their blocks are found by Extract.
func (f *File) Tracks() ([]demux.Track, error) {
	out := make([]demux.Track, 0, len(f.tracks))
	for _, t := range f.tracks {
		tt := t.Track
		tt.Blocks = append([]demux.Block(nil), t.Blocks...)
		out = append(out, tt)
	}
	return out, nil
}

func (f *File) trackError(t *track) error {
	if t.Codec == subtitle.Unknown {
		return &demux.UnsupportedCodecError{Codec: t.CodecID}
	}
	for _, enc := range t.encodings {
		if enc.typ != encodingCompression {
			return &demux.UnsupportedCodecError{Codec: t.CodecID + " (encrypted)"}
		}
		if enc.algo != compZlib && enc.algo != compHeaderStrip {
			return &demux.UnsupportedCodecError{Codec: fmt.Sprintf("%s (compression %d)", t.CodecID, enc.algo)}
		}
	}
	return nil
}
