package torrent

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidSource marks sources that are neither a readable .torrent file
	// nor a well-formed magnet URI.
	ErrInvalidSource = errors.New("invalid torrent source")
	// ErrUnreachable marks torrents whose metadata or pieces could not be
	// obtained from the swarm.
	ErrUnreachable = errors.New("torrent unreachable")
	// ErrIllegalTransition marks session state changes the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal session transition")
	ErrUnknownSession    = errors.New("unknown session")
)

// FullDownloadRequiredError is returned by File reads that would fetch more
// than the allowed share of a file while full downloads are disabled.
type FullDownloadRequiredError struct {
	Path     string
	Required int64
	Length   int64
	Fraction float64
}

func (e *FullDownloadRequiredError) Error() string {
	return fmt.Sprintf("%s: reading %d of %d bytes exceeds %.0f%% of the file, full download required",
		e.Path, e.Required, e.Length, e.Fraction*100)
}

func invalidSource(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrInvalidSource)
}

func unreachable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrUnreachable)
}
