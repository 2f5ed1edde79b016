package torrent

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// GetOrCreatePeerID reads the 20 byte peer id stored at p, creating a random
// one on first use.
func GetOrCreatePeerID(p string) ([20]byte, error) {
	var id [20]byte

	b, err := os.ReadFile(p)
	if err == nil && len(b) == len(id) {
		copy(id[:], b)
		return id, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return id, errors.Wrap(err, "reading peer id")
	}

	copy(id[:], "-SX0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, errors.Wrap(err, "generating peer id")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0744); err != nil {
		return id, errors.Wrap(err, "creating peer id folder")
	}
	if err := os.WriteFile(p, id[:], 0644); err != nil {
		return id, errors.Wrap(err, "writing peer id")
	}
	return id, nil
}
