package extract

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jkaberg/torrent-subx/archive"
	"github.com/jkaberg/torrent-subx/demux"
	"github.com/jkaberg/torrent-subx/torrent"
)

type Stage string

const (
	StageSource    Stage = "source"
	StageOpen      Stage = "open"
	StageCandidate Stage = "candidate"
	StageTrack     Stage = "track"
	StageWrite     Stage = "write"
)

// Diagnostic records a failure that was skipped over.
type Diagnostic struct {
	Source    string `json:"source"`
	Candidate string `json:"candidate,omitempty"`
	TrackID   int64  `json:"trackId,omitempty"`
	Stage     Stage  `json:"stage"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Kind names the error class of err for diagnostics.
func Kind(err error) string {
	var full *torrent.FullDownloadRequiredError
	var codec *demux.UnsupportedCodecError
	switch {
	case errors.As(err, &full):
		return "full-download-required"
	case errors.As(err, &codec):
		return "unsupported-codec"
	case errors.Is(err, torrent.ErrInvalidSource):
		return "invalid-source"
	case errors.Is(err, torrent.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, demux.ErrContainerParse):
		return "container-parse"
	case errors.Is(err, archive.ErrArchive):
		return "archive"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
