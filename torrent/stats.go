package torrent

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type TorrentStats struct {
	Name            string  `json:"name"`
	Hash            string  `json:"hash"`
	State           string  `json:"state"`
	SizeBytes       int64   `json:"sizeBytes"`
	VerifiedBytes   int64   `json:"verifiedBytes"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TimePassed      float64 `json:"timePassed"`
	TotalPieces     int     `json:"totalPieces"`
	VerifiedPieces  int     `json:"verifiedPieces"`
	QueuedPieces    int     `json:"queuedPieces"`
	PieceSize       int64   `json:"pieceSize"`
	AddedAt         int64   `json:"addedAt,omitempty"`
}

type byName []*TorrentStats

func (a byName) Len() int           { return len(a) }
func (a byName) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byName) Less(i, j int) bool { return a[i].Name < a[j].Name }

type stat struct {
	verifiedBytes int64
	time          time.Time
	createdAt     time.Time
}

// Stats tracks open sessions for progress reporting. DownloadedBytes is the
// amount verified since the previous call.
type Stats struct {
	mut           sync.Mutex
	sessions      map[string]*Session
	previousStats map[string]*stat
}

func NewStats() *Stats {
	return &Stats{
		sessions:      make(map[string]*Session),
		previousStats: make(map[string]*stat),
	}
}

func (s *Stats) Add(ss *Session) {
	s.mut.Lock()
	defer s.mut.Unlock()

	h := ss.Manifest().InfoHash
	s.sessions[h] = ss
	now := time.Now()
	s.previousStats[h] = &stat{createdAt: now, time: now}
}

func (s *Stats) Del(hash string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.sessions, hash)
	delete(s.previousStats, hash)
}

// Pause stops fetching for the session with the given info hash.
func (s *Stats) Pause(hash string) error {
	ss, err := s.get(hash)
	if err != nil {
		return err
	}
	return ss.Pause()
}

func (s *Stats) Resume(hash string) error {
	ss, err := s.get(hash)
	if err != nil {
		return err
	}
	return ss.Resume()
}

func (s *Stats) get(hash string) (*Session, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	ss, ok := s.sessions[hash]
	if !ok {
		return nil, errors.Mark(errors.Newf("no session for %s", hash), ErrUnknownSession)
	}
	return ss, nil
}

func (s *Stats) List() []*TorrentStats {
	s.mut.Lock()
	defer s.mut.Unlock()

	now := time.Now()
	out := make([]*TorrentStats, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, s.stats(now, ss))
	}
	sort.Sort(byName(out))
	return out
}

func (s *Stats) stats(now time.Time, ss *Session) *TorrentStats {
	m := ss.Manifest()
	st := ss.Stats()

	ts := &TorrentStats{
		Name:           m.Name,
		Hash:           m.InfoHash,
		State:          st.State,
		SizeBytes:      m.TotalLength,
		VerifiedBytes:  st.VerifiedBytes,
		TotalPieces:    st.Pieces,
		VerifiedPieces: st.Verified,
		QueuedPieces:   st.Queued,
		PieceSize:      m.PieceLength,
	}

	prev, ok := s.previousStats[m.InfoHash]
	if !ok {
		return ts
	}
	if now.Sub(prev.time) >= gap {
		ts.DownloadedBytes = st.VerifiedBytes - prev.verifiedBytes
		ts.TimePassed = now.Sub(prev.time).Seconds()
		prev.verifiedBytes = st.VerifiedBytes
		prev.time = now
	}
	ts.AddedAt = prev.createdAt.Unix()

	return ts
}

const gap time.Duration = 300 * time.Millisecond
