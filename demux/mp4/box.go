package mp4

import (
	"encoding/binary"
	"io"

	"github.com/jkaberg/torrent-subx/demux"
)

// maxBox bounds the metadata boxes read into memory.
const maxBox = 64 << 20

// box is a box header located in the file. size is the payload size.
type box struct {
	typ    string
	offset int64
	data   int64
	size   int64
}

func (b box) end() int64 {
	return b.data + b.size
}

type reader struct {
	r    io.ReaderAt
	size int64
}

// header reads the box header at off. A size of zero extends the box to the
// end of the file.
func (r *reader) header(off int64) (box, error) {
	if off < 0 || off+8 > r.size {
		return box{}, demux.Malformed("box header at %d outside file of %d bytes", off, r.size)
	}
	b, err := demux.ReadFull(r.r, off, 8)
	if err != nil {
		return box{}, err
	}

	size := int64(binary.BigEndian.Uint32(b))
	bx := box{typ: string(b[4:8]), offset: off, data: off + 8}
	switch size {
	case 0:
		bx.size = r.size - bx.data
		return bx, nil
	case 1:
		ext, err := demux.ReadFull(r.r, off+8, 8)
		if err != nil {
			return box{}, err
		}
		large := binary.BigEndian.Uint64(ext)
		if large < 16 || large > uint64(r.size) {
			return box{}, demux.Malformed("box %q at %d has invalid size %d", bx.typ, off, large)
		}
		bx.data = off + 16
		bx.size = int64(large) - 16
	default:
		if size < 8 {
			return box{}, demux.Malformed("box %q at %d has invalid size %d", bx.typ, off, size)
		}
		bx.size = size - 8
	}
	if bx.end() > r.size {
		return box{}, demux.Malformed("box %q at %d ends past the file", bx.typ, off)
	}
	return bx, nil
}

func (r *reader) body(b box) ([]byte, error) {
	if b.size > maxBox {
		return nil, demux.Malformed("box %q at %d is too large (%d bytes)", b.typ, b.offset, b.size)
	}
	return demux.ReadFull(r.r, b.data, b.size)
}

// walk calls fn for every child box in buf.
func walk(buf []byte, fn func(typ string, data []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < 8 {
			return demux.Malformed("truncated box header")
		}
		size := uint64(binary.BigEndian.Uint32(buf))
		typ := string(buf[4:8])
		hdr := uint64(8)
		switch size {
		case 0:
			size = uint64(len(buf))
		case 1:
			if len(buf) < 16 {
				return demux.Malformed("truncated large box header")
			}
			size = binary.BigEndian.Uint64(buf[8:])
			hdr = 16
		}
		if size < hdr || size > uint64(len(buf)) {
			return demux.Malformed("box %q overruns its parent", typ)
		}
		if err := fn(typ, buf[hdr:size]); err != nil {
			return err
		}
		buf = buf[size:]
	}
	return nil
}

// fields reads big endian values from a full box payload.
type fields struct {
	b   []byte
	pos int
	err error
}

func (f *fields) need(n int) bool {
	if f.err != nil {
		return false
	}
	if f.pos+n > len(f.b) {
		f.err = demux.Malformed("box payload truncated at byte %d", f.pos)
		return false
	}
	return true
}

func (f *fields) skip(n int) {
	if f.need(n) {
		f.pos += n
	}
}

func (f *fields) u16() uint16 {
	if !f.need(2) {
		return 0
	}
	f.pos += 2
	return binary.BigEndian.Uint16(f.b[f.pos-2:])
}

func (f *fields) u32() uint32 {
	if !f.need(4) {
		return 0
	}
	f.pos += 4
	return binary.BigEndian.Uint32(f.b[f.pos-4:])
}

func (f *fields) u64() uint64 {
	if !f.need(8) {
		return 0
	}
	f.pos += 8
	return binary.BigEndian.Uint64(f.b[f.pos-8:])
}

// versionFlags reads the full box header.
func (f *fields) versionFlags() (uint8, uint32) {
	v := f.u32()
	return uint8(v >> 24), v & 0xFFFFFF
}

func (f *fields) rest() []byte {
	if f.err != nil {
		return nil
	}
	return f.b[f.pos:]
}
