// Package mkvtest writes small Matroska files for tests of code that consumes
// the mkv demuxer.
package mkvtest

import (
	"bytes"
	"encoding/binary"
)

const (
	idEBML         = 0x1A45DFA3
	idDocType      = 0x4282
	idSegment      = 0x18538067
	idSeekHead     = 0x114D9B74
	idSeek         = 0x4DBB
	idSeekID       = 0x53AB
	idSeekPosition = 0x53AC
	idInfo         = 0x1549A966
	idTimecodeSc   = 0x2AD7B1
	idTracks       = 0x1654AE6B
	idTrackEntry   = 0xAE
	idTrackNumber  = 0xD7
	idTrackType    = 0x83
	idCodecID      = 0x86
	idLanguage     = 0x22B59C
	idName         = 0x536E
	idCodecPriv    = 0x63A2
	idCluster      = 0x1F43B675
	idTimecode     = 0xE7
	idSimpleBlock  = 0xA3
	idBlockGroup   = 0xA0
	idBlock        = 0xA1
	idBlockDur     = 0x9B
	idCues         = 0x1C53BB6B
	idCuePoint     = 0xBB
	idCueTime      = 0xB3
	idCueTrackPos  = 0xB7
	idCueTrack     = 0xF7
	idCueCluster   = 0xF1
	idCueRelative  = 0xF0
)

const (
	TypeVideo    = 1
	TypeSubtitle = 0x11
)

type Track struct {
	Number   uint64
	Type     uint64
	Codec    string
	Language string
	Name     string
	Private  []byte
}

// Block is one frame. Time is in milliseconds from the start of the single
// cluster. Blocks with a Duration are written as BlockGroups.
type Block struct {
	Track    uint64
	Time     int16
	Duration uint64
	Payload  []byte
}

func id(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	switch {
	case v > 0xFFFFFF:
		return b
	case v > 0xFFFF:
		return b[1:]
	case v > 0xFF:
		return b[2:]
	}
	return b[3:]
}

// el writes an element with an eight byte size.
func el(v uint32, parts ...[]byte) []byte {
	body := bytes.Join(parts, nil)
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(len(body)))
	size[0] = 0x01
	out := append(id(v), size...)
	return append(out, body...)
}

func u(v uint32, n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return el(v, b)
}

// Build returns a file with a SeekHead, Info, Tracks, one cluster holding
// blocks in order, and Cues for every block of a subtitle track.
func Build(tracks []Track, blocks []Block) []byte {
	types := map[uint64]uint64{}
	var entries [][]byte
	for _, t := range tracks {
		types[t.Number] = t.Type
		parts := [][]byte{u(idTrackNumber, t.Number), u(idTrackType, t.Type), el(idCodecID, []byte(t.Codec))}
		if t.Language != "" {
			parts = append(parts, el(idLanguage, []byte(t.Language)))
		}
		if t.Name != "" {
			parts = append(parts, el(idName, []byte(t.Name)))
		}
		if t.Private != nil {
			parts = append(parts, el(idCodecPriv, t.Private))
		}
		entries = append(entries, el(idTrackEntry, parts...))
	}

	info := el(idInfo, u(idTimecodeSc, 1000000))
	trk := el(idTracks, entries...)

	type cue struct {
		track uint64
		at    uint64
		rel   uint64
	}
	var cues []cue
	cb := u(idTimecode, 0)
	for _, b := range blocks {
		hdr := []byte{0x80 | byte(b.Track), byte(uint16(b.Time) >> 8), byte(uint16(b.Time)), 0}
		var e []byte
		if b.Duration > 0 {
			e = el(idBlockGroup, el(idBlock, hdr, b.Payload), u(idBlockDur, b.Duration))
		} else {
			hdr[3] = 0x80
			e = el(idSimpleBlock, hdr, b.Payload)
		}
		if types[b.Track] == TypeSubtitle {
			cues = append(cues, cue{track: b.Track, at: uint64(b.Time), rel: uint64(len(cb))})
		}
		cb = append(cb, e...)
	}
	cluster := el(idCluster, cb)

	seek := func(v uint32, pos int) []byte {
		return el(idSeek, el(idSeekID, id(v)), u(idSeekPosition, uint64(pos)))
	}
	seekHead := func(infoPos, tracksPos, cuesPos int) []byte {
		return el(idSeekHead, seek(idInfo, infoPos), seek(idTracks, tracksPos), seek(idCues, cuesPos))
	}

	infoPos := len(seekHead(0, 0, 0))
	tracksPos := infoPos + len(info)
	clusterPos := tracksPos + len(trk)
	cuesPos := clusterPos + len(cluster)

	var points [][]byte
	for _, c := range cues {
		points = append(points, el(idCuePoint,
			u(idCueTime, c.at),
			el(idCueTrackPos,
				u(idCueTrack, c.track),
				u(idCueCluster, uint64(clusterPos)),
				u(idCueRelative, c.rel),
			),
		))
	}

	header := el(idEBML, el(idDocType, []byte("matroska")))
	seg := el(idSegment, seekHead(infoPos, tracksPos, cuesPos), info, trk, cluster, el(idCues, points...))
	return append(header, seg...)
}
