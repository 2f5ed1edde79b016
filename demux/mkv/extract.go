package mkv

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jkaberg/torrent-subx/demux"
	"github.com/jkaberg/torrent-subx/subtitle"
)

const (
	scopeFrames  = 1
	scopePrivate = 2

	// maxBlock bounds a single subtitle block read.
	maxBlock = 16 << 20
)

type sample struct {
	start   time.Duration
	dur     time.Duration
	payload []byte
}

type job struct {
	t       *track
	err     error
	samples []sample
}

type located struct {
	j *job
	b demux.Block
}

// Extract reads the blocks of the given tracks in ascending file order and
// assembles one subtitle per track. Track level failures are reported in the
// matching Result; read errors abort the whole extraction.
func (f *File) Extract(tracks []demux.Track) ([]demux.Result, error) {
	jobs := make([]*job, len(tracks))
	scan := map[int64]*track{}
	for i, req := range tracks {
		t, ok := f.byNumber[req.ID]
		if !ok {
			jobs[i] = &job{err: demux.Malformed("no subtitle track %d", req.ID)}
			continue
		}
		jobs[i] = &job{t: t, err: f.trackError(t)}
		if jobs[i].err == nil && !t.Indexed {
			scan[t.ID] = t
		}
	}

	if len(scan) > 0 {
		f.log.Debug().Int("tracks", len(scan)).Msg("subtitle tracks missing from cues, scanning clusters")
		if err := f.scan(scan); err != nil {
			return nil, err
		}
	}

	var all []located
	for _, j := range jobs {
		if j.err != nil {
			continue
		}
		for _, b := range j.t.Blocks {
			all = append(all, located{j: j, b: b})
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].b.Offset < all[b].b.Offset })

	for _, l := range all {
		if l.j.err != nil {
			continue
		}
		if l.b.Size <= 0 || l.b.Size > maxBlock {
			l.j.err = demux.Malformed("block at %d has invalid size %d", l.b.Offset, l.b.Size)
			continue
		}
		raw, err := demux.ReadFull(f.r.r, l.b.Offset, l.b.Size)
		if err != nil {
			return nil, err
		}
		payload, dur, err := blockPayload(raw, l.j.t.ID)
		if err != nil {
			l.j.err = err
			continue
		}
		payload, err = decode(l.j.t.encodings, scopeFrames, payload)
		if err != nil {
			l.j.err = err
			continue
		}
		d := l.b.Duration
		if dur > 0 {
			d = f.ticks(dur)
		}
		l.j.samples = append(l.j.samples, sample{start: l.b.Start, dur: d, payload: payload})
	}

	out := make([]demux.Result, len(jobs))
	for i, j := range jobs {
		out[i].Track = tracks[i]
		if j.t != nil {
			out[i].Track = j.t.Track
			out[i].Track.Blocks = append([]demux.Block(nil), j.t.Blocks...)
		}
		if j.err != nil {
			out[i].Err = j.err
			continue
		}
		sub, err := f.assemble(j.t, j.samples)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Subtitle = sub
	}
	return out, nil
}

// blockPayload strips the element header and block header from a
// SimpleBlock or BlockGroup read whole.
func blockPayload(raw []byte, trackNum int64) ([]byte, int64, error) {
	id, idLen, err := readID(raw)
	if err != nil {
		return nil, 0, err
	}
	size, sizeLen, err := readSize(raw[idLen:])
	if err != nil {
		return nil, 0, err
	}
	start := idLen + sizeLen
	if size == unknownSize || int64(len(raw)-start) < size {
		return nil, 0, demux.Malformed("block element overruns its read")
	}
	body := raw[start : start+int(size)]

	var block []byte
	var dur int64
	switch id {
	case idSimpleBlock:
		block = body
	case idBlockGroup:
		if err := walk(body, func(id uint32, data []byte) error {
			switch id {
			case idBlock:
				block = data
			case idBlockDuration:
				dur = int64(readUint(data))
			}
			return nil
		}); err != nil {
			return nil, 0, err
		}
		if block == nil {
			return nil, 0, demux.Malformed("block group without block")
		}
	default:
		return nil, 0, demux.Malformed("element %x is not a block", id)
	}

	num, n, err := readVint(block)
	if err != nil {
		return nil, 0, err
	}
	if len(block) < n+3 {
		return nil, 0, demux.Malformed("truncated block header")
	}
	if num != trackNum {
		return nil, 0, demux.Malformed("block belongs to track %d, not %d", num, trackNum)
	}
	if lacing := block[n+2] >> 1 & 3; lacing != 0 {
		return nil, 0, demux.Malformed("laced subtitle blocks are not supported")
	}
	return block[n+3:], dur, nil
}

// decode undoes the content encodings that apply to scope, highest order
// first.
func decode(encs []encoding, scope uint64, data []byte) ([]byte, error) {
	if len(encs) == 0 {
		return data, nil
	}
	ordered := append([]encoding(nil), encs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].order > ordered[j].order })

	for _, enc := range ordered {
		if enc.scope&scope == 0 {
			continue
		}
		switch enc.algo {
		case compZlib:
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, errors.Mark(errors.Wrap(err, "zlib block"), demux.ErrContainerParse)
			}
			out, err := io.ReadAll(io.LimitReader(zr, maxBlock))
			zr.Close()
			if err != nil {
				return nil, errors.Mark(errors.Wrap(err, "zlib block"), demux.ErrContainerParse)
			}
			data = out
		case compHeaderStrip:
			data = append(append([]byte(nil), enc.settings...), data...)
		default:
			return nil, &demux.UnsupportedCodecError{Codec: fmt.Sprintf("compression %d", enc.algo)}
		}
	}
	return data, nil
}

func (f *File) assemble(t *track, samples []sample) (*subtitle.Subtitle, error) {
	private, err := decode(t.encodings, scopePrivate, t.private)
	if err != nil {
		return nil, err
	}

	switch t.Codec {
	case subtitle.SRT, subtitle.VTT:
		cues := make([]demux.Cue, 0, len(samples))
		for _, s := range samples {
			cues = append(cues, demux.Cue{Start: s.start, End: s.start + s.dur, Text: demux.NormalizeText(s.payload)})
		}
		demux.FillEnds(cues)
		if t.Codec == subtitle.VTT {
			return &subtitle.Subtitle{Format: subtitle.VTT, Content: demux.BuildVTT(demux.NormalizeText(private), cues)}, nil
		}
		return &subtitle.Subtitle{Format: subtitle.SRT, Content: demux.BuildSRT(cues)}, nil

	case subtitle.ASS, subtitle.SSA:
		lines := make([]demux.Dialogue, 0, len(samples))
		for _, s := range samples {
			end := s.start + s.dur
			if s.dur <= 0 {
				end = s.start + 2*time.Second
			}
			d, ok := demux.ParseDialogue(demux.NormalizeText(s.payload), s.start, end)
			if !ok {
				f.log.Debug().Int64("track", t.ID).Dur("start", s.start).Msg("skipping dialogue without read order")
				continue
			}
			lines = append(lines, d)
		}
		return &subtitle.Subtitle{
			Format:  t.Codec,
			Content: demux.BuildASS(demux.NormalizeText(private), t.Codec == subtitle.SSA, lines),
		}, nil

	case subtitle.SUP:
		var buf bytes.Buffer
		for _, s := range samples {
			if err := demux.PGSSegments(&buf, s.payload, s.start); err != nil {
				return nil, err
			}
		}
		return &subtitle.Subtitle{Format: subtitle.SUP, Content: buf.Bytes()}, nil
	}
	return nil, &demux.UnsupportedCodecError{Codec: t.CodecID}
}
