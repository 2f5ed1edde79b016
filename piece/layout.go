package piece

import (
	"crypto/sha1"

	"github.com/cockroachdb/errors"
)

// HashSize is the size of a v1 piece hash.
const HashSize = sha1.Size

// Layout describes how a torrent's concatenated file data is cut into pieces.
type Layout struct {
	PieceLength int64
	TotalLength int64
	Hashes      [][HashSize]byte
}

// NewLayout splits the concatenated "pieces" field of a v1 info dictionary.
func NewLayout(pieceLength, totalLength int64, pieces []byte) (Layout, error) {
	if pieceLength <= 0 {
		return Layout{}, errors.Newf("invalid piece length %d", pieceLength)
	}
	if len(pieces)%HashSize != 0 {
		return Layout{}, errors.Newf("pieces field length %d is not a multiple of %d", len(pieces), HashSize)
	}
	l := Layout{PieceLength: pieceLength, TotalLength: totalLength}
	for i := 0; i < len(pieces); i += HashSize {
		var h [HashSize]byte
		copy(h[:], pieces[i:i+HashSize])
		l.Hashes = append(l.Hashes, h)
	}
	want := (totalLength + pieceLength - 1) / pieceLength
	if int64(len(l.Hashes)) != want {
		return Layout{}, errors.Newf("have %d piece hashes, torrent length needs %d", len(l.Hashes), want)
	}
	return l, nil
}

func (l Layout) NumPieces() int {
	return len(l.Hashes)
}

// Offset is the position of piece i in the torrent's concatenated data.
func (l Layout) Offset(i int) int64 {
	return int64(i) * l.PieceLength
}

// Length is the size of piece i; only the last piece may be short.
func (l Layout) Length(i int) int64 {
	if i < 0 || i >= l.NumPieces() {
		return 0
	}
	if i == l.NumPieces()-1 {
		if rem := l.TotalLength - l.Offset(i); rem < l.PieceLength {
			return rem
		}
	}
	return l.PieceLength
}

// Covering returns the first and last piece index intersecting [off, off+n).
// n must be positive.
func (l Layout) Covering(off, n int64) (first, last int) {
	first = int(off / l.PieceLength)
	last = int((off + n - 1) / l.PieceLength)
	return first, last
}

// Verify reports whether data is the content of piece i.
func (l Layout) Verify(i int, data []byte) bool {
	if i < 0 || i >= l.NumPieces() || int64(len(data)) != l.Length(i) {
		return false
	}
	return sha1.Sum(data) == l.Hashes[i]
}
