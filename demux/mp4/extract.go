package mp4

import (
	"bytes"
	"encoding/binary"
	"sort"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jkaberg/torrent-subx/demux"
	"github.com/jkaberg/torrent-subx/subtitle"
)

// maxSample bounds a single text sample read.
const maxSample = 4 << 20

type job struct {
	t    *track
	err  error
	cues []demux.Cue
}

type located struct {
	j *job
	b demux.Block
}

// Extract reads the samples of the given tracks in ascending file order.
func (f *File) Extract(tracks []demux.Track) ([]demux.Result, error) {
	jobs := make([]*job, len(tracks))
	var all []located
	for i, req := range tracks {
		t, ok := f.byID[uint32(req.ID)]
		if !ok {
			jobs[i] = &job{err: demux.Malformed("no timed text track %d", req.ID)}
			continue
		}
		jobs[i] = &job{t: t}
		if t.Codec == subtitle.Unknown {
			jobs[i].err = &demux.UnsupportedCodecError{Codec: t.CodecID}
			continue
		}
		for _, b := range t.Blocks {
			all = append(all, located{j: jobs[i], b: b})
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].b.Offset < all[b].b.Offset })

	for _, l := range all {
		if l.j.err != nil {
			continue
		}
		if l.b.Size > maxSample {
			l.j.err = demux.Malformed("sample at %d has invalid size %d", l.b.Offset, l.b.Size)
			continue
		}
		raw, err := demux.ReadFull(f.r.r, l.b.Offset, l.b.Size)
		if err != nil {
			return nil, err
		}

		var texts []string
		switch l.j.t.Codec {
		case subtitle.SRT:
			var text string
			text, err = tx3gText(raw)
			texts = []string{text}
		case subtitle.VTT:
			texts, err = wvttTexts(raw)
		}
		if err != nil {
			l.j.err = err
			continue
		}
		for _, text := range texts {
			l.j.cues = append(l.j.cues, demux.Cue{Start: l.b.Start, End: l.b.Start + l.b.Duration, Text: text})
		}
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

		sort.SliceStable(j.cues, func(a, b int) bool { return j.cues[a].Start < j.cues[b].Start })
		demux.FillEnds(j.cues)
		if j.t.Codec == subtitle.VTT {
			out[i].Subtitle = &subtitle.Subtitle{Format: subtitle.VTT, Content: demux.BuildVTT(j.t.header, j.cues)}
		} else {
			out[i].Subtitle = &subtitle.Subtitle{Format: subtitle.SRT, Content: demux.BuildSRT(j.cues)}
		}
	}
	return out, nil
}

// tx3gText returns the text of a 3GPP timed text sample: a 16 bit length,
// the text and optional modifier boxes.
func tx3gText(b []byte) (string, error) {
	if len(b) < 2 {
		return "", nil
	}
	n := int(binary.BigEndian.Uint16(b))
	if 2+n > len(b) {
		return "", demux.Malformed("tx3g text of %d bytes exceeds sample of %d", n, len(b))
	}
	text := b[2 : 2+n]
	if bytes.HasPrefix(text, []byte{0xFE, 0xFF}) || bytes.HasPrefix(text, []byte{0xFF, 0xFE}) {
		dec := unicode.BOMOverride(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder())
		decoded, _, err := transform.Bytes(dec, text)
		if err != nil {
			return "", demux.Malformed("tx3g text is not valid UTF-16")
		}
		text = decoded
	}
	return demux.NormalizeText(text), nil
}

// wvttTexts returns the cue payloads of a WebVTT sample. Empty samples hold a
// single vtte box.
func wvttTexts(b []byte) ([]string, error) {
	var out []string
	err := walk(b, func(typ string, data []byte) error {
		if typ != "vttc" {
			return nil
		}
		return walk(data, func(typ string, data []byte) error {
			if typ == "payl" {
				out = append(out, demux.NormalizeText(data))
			}
			return nil
		})
	})
	return out, err
}
