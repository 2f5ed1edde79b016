// Package output writes named subtitles into a directory.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const lockName = ".torrent-subx.lock"

// Dir is an output directory held by one process at a time.
type Dir struct {
	root string
	lock *flock.Flock
	log  zerolog.Logger
}

// Open creates root when needed and locks it.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	lock := flock.New(filepath.Join(root, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error locking output directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("output directory %s is used by another process", root)
	}

	return &Dir{
		root: root,
		lock: lock,
		log:  log.Logger.With().Str("component", "output").Str("dir", root).Logger(),
	}, nil
}

func (d *Dir) Root() string {
	return d.root
}

// Write stores content under name. The file appears complete or not at all.
func (d *Dir) Write(ctx context.Context, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid output name %q", name)
	}

	tmp, err := os.CreateTemp(d.root, ".partial-*")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing %s: %w", name, err)
	}

	dst := filepath.Join(d.root, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("error moving %s into place: %w", name, err)
	}
	d.log.Debug().Str("file", dst).Int("size", len(content)).Msg("subtitle stored")
	return nil
}

func (d *Dir) Close() error {
	return d.lock.Unlock()
}
