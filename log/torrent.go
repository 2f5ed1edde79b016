package log

import (
	"strings"

	"github.com/anacrolix/log"
	"github.com/rs/zerolog"
)

var _ log.Handler = &Torrent{}

// Torrent forwards anacrolix client logs. The client is chatty about peers
// coming and going, so most of it lands on debug.
type Torrent struct {
	L zerolog.Logger
}

var peerNoise = []string{
	"webrtc PeerConnection state changed",
	"unhandled announce response",
	"error dialing",
	"closing connection",
}

func (l *Torrent) Handle(r log.Record) {
	text := r.Text()
	for _, n := range peerNoise {
		if strings.Contains(text, n) {
			l.L.Trace().Msg(text)
			return
		}
	}

	e := l.L.Debug()
	switch r.Level {
	case log.Warning:
		e = l.L.Debug().Str("error-type", "warning")
	case log.Error:
		e = l.L.Warn().Str("error-type", "error")
	case log.Critical:
		e = l.L.Warn().Str("error-type", "critical")
	}

	e.Msg(text)
}
