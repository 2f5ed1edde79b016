package cache

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	require := require.New(t)

	db, err := Open(t.TempDir())
	require.NoError(err)
	defer db.Close()

	_, err = db.GetMeta("abc")
	require.True(errors.Is(err, ErrNotFound))

	require.NoError(db.SetMeta("abc", []byte("d4:infod4:name1:xee")))
	meta, err := db.GetMeta("abc")
	require.NoError(err)
	require.Equal([]byte("d4:infod4:name1:xee"), meta)

	p := db.Pieces("abc")
	require.NoError(p.PutPiece(3, []byte{1, 2, 3}))
	require.NoError(p.PutPiece(12, []byte{4}))
	require.NoError(db.PutPiece("other", 3, []byte{9}))

	got, err := p.GetPiece(3)
	require.NoError(err)
	require.Equal([]byte{1, 2, 3}, got)

	_, err = p.GetPiece(4)
	require.True(errors.Is(err, ErrNotFound))

	n, err := db.CachedPieces("abc")
	require.NoError(err)
	require.Equal(2, n)

	require.NoError(db.DropPieces("abc"))
	n, err = db.CachedPieces("abc")
	require.NoError(err)
	require.Zero(n)

	got, err = db.GetPiece("other", 3)
	require.NoError(err)
	require.Equal([]byte{9}, got)
}

func TestProcessedMarks(t *testing.T) {
	require := require.New(t)

	db, err := Open(t.TempDir())
	require.NoError(err)
	defer db.Close()

	_, ok, err := db.Processed("/w/a.torrent")
	require.NoError(err)
	require.False(ok)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(db.MarkProcessed("/w/a.torrent", at))

	got, ok, err := db.Processed("/w/a.torrent")
	require.NoError(err)
	require.True(ok)
	require.True(at.Equal(got))
}
