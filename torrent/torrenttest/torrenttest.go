// Package torrenttest builds in-memory torrents for tests.
package torrenttest

import (
	"context"
	"crypto/sha1"
	"strings"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/cockroachdb/errors"
)

type File struct {
	Path string
	Data []byte
}

// Torrent is a multi-file torrent whose content lives in memory.
type Torrent struct {
	Info     *metainfo.Info
	InfoHash metainfo.Hash
	Data     []byte
}

// New builds a torrent out of files. A single file produces a single-file
// info dictionary.
func New(name string, pieceLength int64, files ...File) *Torrent {
	info := &metainfo.Info{Name: name, PieceLength: pieceLength}

	var data []byte
	if len(files) == 1 && files[0].Path == name {
		info.Length = int64(len(files[0].Data))
		data = files[0].Data
	} else {
		for _, f := range files {
			info.Files = append(info.Files, metainfo.FileInfo{
				Length: int64(len(f.Data)),
				Path:   strings.Split(f.Path, "/"),
			})
			data = append(data, f.Data...)
		}
	}

	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := min(off+pieceLength, int64(len(data)))
		h := sha1.Sum(data[off:end])
		info.Pieces = append(info.Pieces, h[:]...)
	}

	return &Torrent{
		Info:     info,
		InfoHash: sha1.Sum([]byte(name)),
		Data:     data,
	}
}

// Fetcher serves pieces of a Torrent and records which were requested.
type Fetcher struct {
	T *Torrent

	// Corrupt lists pieces served with a flipped byte on their first fetch.
	Corrupt map[int]bool
	// Fail makes every fetch of a piece return this error.
	Fail map[int]error

	mu       sync.Mutex
	requests map[int]int
}

func NewFetcher(t *Torrent) *Fetcher {
	return &Fetcher{T: t, Corrupt: map[int]bool{}, Fail: map[int]error{}, requests: map[int]int{}}
}

func (f *Fetcher) FetchPiece(ctx context.Context, i int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests[i]++
	if err, ok := f.Fail[i]; ok {
		return nil, err
	}

	pl := f.T.Info.PieceLength
	off := int64(i) * pl
	if off >= int64(len(f.T.Data)) {
		return nil, errors.Newf("piece %d out of range", i)
	}
	end := min(off+pl, int64(len(f.T.Data)))
	out := append([]byte(nil), f.T.Data[off:end]...)

	if f.Corrupt[i] && f.requests[i] == 1 {
		out[0] ^= 0xff
	}
	return out, nil
}

// Requests returns how many times each piece was fetched.
func (f *Fetcher) Requests() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int, len(f.requests))
	for k, v := range f.requests {
		out[k] = v
	}
	return out
}

// Fetched returns the number of distinct pieces requested.
func (f *Fetcher) Fetched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
