package cache

import (
	"path"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"

	dlog "github.com/jkaberg/torrent-subx/log"
	"github.com/jkaberg/torrent-subx/piece"
)

const (
	metaRootKey      = "/meta/"
	pieceRootKey     = "/piece/"
	processedRootKey = "/processed/"
)

var ErrNotFound = errors.New("not found in cache")

// DB keeps torrent metadata, verified pieces and processed sources between
// runs.
type DB struct {
	db *badger.DB
}

func Open(dir string) (*DB, error) {
	l := log.Logger.With().Str("component", "cache").Logger()

	opts := badger.DefaultOptions(dir).
		WithLogger(&dlog.Badger{L: l}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening cache")
	}

	err = db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		_ = db.Close()
		return nil, errors.Wrap(err, "cache value log gc")
	}

	return &DB{db: db}, nil
}

func (d *DB) set(key string, v []byte, ttl time.Duration) error {
	return d.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), v)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (d *DB) get(key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetMeta stores the bencoded metainfo of a torrent by info hash.
func (d *DB) SetMeta(hash string, meta []byte) error {
	if err := d.set(path.Join(metaRootKey, hash), meta, 0); err != nil {
		return err
	}
	return d.db.Sync()
}

func (d *DB) GetMeta(hash string) ([]byte, error) {
	return d.get(path.Join(metaRootKey, hash))
}

func pieceKey(hash string, i int) string {
	return path.Join(pieceRootKey, hash, strconv.Itoa(i))
}

func (d *DB) PutPiece(hash string, i int, data []byte) error {
	return d.set(pieceKey(hash, i), data, 0)
}

func (d *DB) GetPiece(hash string, i int) ([]byte, error) {
	return d.get(pieceKey(hash, i))
}

// CachedPieces counts the stored pieces of a torrent.
func (d *DB) CachedPieces(hash string) (int, error) {
	tx := d.db.NewTransaction(false)
	defer tx.Discard()

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := tx.NewIterator(opts)
	defer it.Close()

	prefix := []byte(path.Join(pieceRootKey, hash) + "/")
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

// DropPieces removes every cached piece of a torrent.
func (d *DB) DropPieces(hash string) error {
	return d.db.DropPrefix([]byte(path.Join(pieceRootKey, hash) + "/"))
}

// Pieces binds the piece cache to one torrent.
func (d *DB) Pieces(hash string) piece.Backing {
	return &pieces{db: d, hash: hash}
}

type pieces struct {
	db   *DB
	hash string
}

func (p *pieces) GetPiece(i int) ([]byte, error) {
	return p.db.GetPiece(p.hash, i)
}

func (p *pieces) PutPiece(i int, data []byte) error {
	return p.db.PutPiece(p.hash, i, data)
}

// MarkProcessed records that a source was handled, with the time it finished.
func (d *DB) MarkProcessed(source string, at time.Time) error {
	v := []byte(at.UTC().Format(time.RFC3339))
	if err := d.set(path.Join(processedRootKey, source), v, 0); err != nil {
		return err
	}
	return d.db.Sync()
}

func (d *DB) Processed(source string) (time.Time, bool, error) {
	v, err := d.get(path.Join(processedRootKey, source))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, string(v))
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "decoding processed mark of %s", source)
	}
	return t, true, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
