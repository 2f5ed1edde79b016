package mkv

import (
	"io"
	"math"

	"github.com/jkaberg/torrent-subx/demux"
)

const (
	idEBML    = 0x1A45DFA3
	idDocType = 0x4282
	idSegment = 0x18538067
	idVoid    = 0xEC
	idCRC32   = 0xBF

	idSeekHead     = 0x114D9B74
	idSeek         = 0x4DBB
	idSeekID       = 0x53AB
	idSeekPosition = 0x53AC

	idInfo          = 0x1549A966
	idTimecodeScale = 0x2AD7B1

	idTracks              = 0x1654AE6B
	idTrackEntry          = 0xAE
	idTrackNumber         = 0xD7
	idTrackType           = 0x83
	idFlagDefault         = 0x88
	idFlagForced          = 0x55AA
	idName                = 0x536E
	idLanguage            = 0x22B59C
	idLanguageBCP47       = 0x22B59D
	idCodecID             = 0x86
	idCodecPrivate        = 0x63A2
	idContentEncodings    = 0x6D80
	idContentEncoding     = 0x6240
	idContentEncodingOrd  = 0x5031
	idContentEncodingScp  = 0x5032
	idContentEncodingType = 0x5033
	idContentCompression  = 0x5034
	idContentCompAlgo     = 0x4254
	idContentCompSettings = 0x4255

	idCues                = 0x1C53BB6B
	idCuePoint            = 0xBB
	idCueTime             = 0xB3
	idCueTrackPositions   = 0xB7
	idCueTrack            = 0xF7
	idCueClusterPosition  = 0xF1
	idCueRelativePosition = 0xF0
	idCueDuration         = 0xB2

	idCluster       = 0x1F43B675
	idTimecode      = 0xE7
	idSimpleBlock   = 0xA3
	idBlockGroup    = 0xA0
	idBlock         = 0xA1
	idBlockDuration = 0x9B

	idTags        = 0x1254C367
	idChapters    = 0x1043A770
	idAttachments = 0x1941A469
)

const trackTypeSubtitle = 0x11

// unknownSize is used for elements whose size field has all value bits set.
const unknownSize = -1

// element is an EBML element header located in the file.
type element struct {
	id     uint32
	offset int64
	data   int64
	size   int64
}

func (e element) end() int64 {
	return e.data + e.size
}

// readID decodes an element id, marker bits included.
func readID(b []byte) (uint32, int, error) {
	if len(b) == 0 || b[0] == 0 {
		return 0, 0, demux.Malformed("invalid element id")
	}
	n := 1
	for mask := byte(0x80); b[0]&mask == 0; mask >>= 1 {
		n++
	}
	if n > 4 || len(b) < n {
		return 0, 0, demux.Malformed("invalid element id length %d", n)
	}
	var id uint32
	for _, c := range b[:n] {
		id = id<<8 | uint32(c)
	}
	return id, n, nil
}

// readSize decodes an element data size. An all-ones value means unknown.
func readSize(b []byte) (int64, int, error) {
	if len(b) == 0 || b[0] == 0 {
		return 0, 0, demux.Malformed("invalid element size")
	}
	n := 1
	for mask := byte(0x80); b[0]&mask == 0; mask >>= 1 {
		n++
	}
	if len(b) < n {
		return 0, 0, demux.Malformed("truncated element size")
	}
	v := uint64(b[0] & (0xFF >> n))
	allOnes := v == uint64(0xFF>>n)
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
		allOnes = allOnes && c == 0xFF
	}
	if allOnes {
		return unknownSize, n, nil
	}
	if v > math.MaxInt64/2 {
		return 0, 0, demux.Malformed("element size %d too large", v)
	}
	return int64(v), n, nil
}

// readVint decodes a variable size integer with the marker bit removed, as
// used for track numbers in blocks.
func readVint(b []byte) (int64, int, error) {
	v, n, err := readSize(b)
	if err != nil {
		return 0, 0, err
	}
	if v == unknownSize {
		return 0, 0, demux.Malformed("invalid track number")
	}
	return v, n, nil
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// walk calls fn for every child element in buf, which must hold complete
// elements.
func walk(buf []byte, fn func(id uint32, data []byte) error) error {
	for len(buf) > 0 {
		id, idLen, err := readID(buf)
		if err != nil {
			return err
		}
		size, sizeLen, err := readSize(buf[idLen:])
		if err != nil {
			return err
		}
		start := idLen + sizeLen
		if size == unknownSize || int64(len(buf)-start) < size {
			return demux.Malformed("element %x overruns its parent", id)
		}
		if err := fn(id, buf[start:start+int(size)]); err != nil {
			return err
		}
		buf = buf[start+int(size):]
	}
	return nil
}

// maxElement bounds the metadata elements read into memory.
const maxElement = 64 << 20

type reader struct {
	r    io.ReaderAt
	size int64
}

// header reads the element header at off.
func (r *reader) header(off int64) (element, error) {
	if off < 0 || off >= r.size {
		return element{}, demux.Malformed("element offset %d outside file of %d bytes", off, r.size)
	}
	n := min(12, r.size-off)
	b, err := demux.ReadFull(r.r, off, n)
	if err != nil {
		return element{}, err
	}
	id, idLen, err := readID(b)
	if err != nil {
		return element{}, err
	}
	size, sizeLen, err := readSize(b[idLen:])
	if err != nil {
		return element{}, err
	}
	e := element{id: id, offset: off, data: off + int64(idLen+sizeLen), size: size}
	if size != unknownSize && e.end() > r.size {
		return element{}, demux.Malformed("element %x at %d ends past the file", id, off)
	}
	return e, nil
}

// body reads the data of e.
func (r *reader) body(e element) ([]byte, error) {
	if e.size == unknownSize || e.size > maxElement {
		return nil, demux.Malformed("element %x at %d has unusable size %d", e.id, e.offset, e.size)
	}
	return demux.ReadFull(r.r, e.data, e.size)
}
