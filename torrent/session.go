package torrent

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jkaberg/torrent-subx/piece"
)

type State int

const (
	Resolving State = iota
	ManifestReady
	Active
	Paused
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case ManifestReady:
		return "manifest-ready"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "invalid"
}

var transitions = map[State][]State{
	Resolving:     {ManifestReady, Failed},
	ManifestReady: {Active, Completed, Failed},
	Active:        {Paused, Completed, Failed},
	Paused:        {Active, Completed, Failed},
}

// PieceFetcher downloads the raw content of one piece from the swarm.
type PieceFetcher interface {
	FetchPiece(ctx context.Context, i int) ([]byte, error)
}

type SessionOptions struct {
	Workers     int
	MaxAttempts int

	AllowFullDownload    bool
	FullDownloadFraction float64

	// Limiter is shared between sessions. Nil or an infinite limit disables
	// throttling.
	Limiter *rate.Limiter
	// Backing persists verified pieces and serves them to later sessions.
	Backing     piece.Backing
	MaxResident int

	// OnClose runs once when the session is closed.
	OnClose func()
}

func (o *SessionOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FullDownloadFraction <= 0 || o.FullDownloadFraction > 1 {
		o.FullDownloadFraction = 0.5
	}
}

// Session drives the selective download of one torrent.
type Session struct {
	manifest *Manifest
	store    *piece.Store
	fetcher  PieceFetcher
	opts     SessionOptions
	log      zerolog.Logger

	mu     sync.Mutex
	state  State
	err    error
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
}

// NewSession creates a session in the manifest-ready state.
func NewSession(m *Manifest, f PieceFetcher, opts SessionOptions) *Session {
	opts.defaults()

	var so []piece.Option
	if opts.Backing != nil {
		so = append(so, piece.WithBacking(opts.Backing, opts.MaxResident))
	}

	return &Session{
		manifest: m,
		store:    piece.NewStore(m.Layout(), so...),
		fetcher:  f,
		opts:     opts,
		state:    ManifestReady,
		log:      log.Logger.With().Str("component", "session").Str("hash", m.InfoHash).Logger(),
	}
}

func (s *Session) Manifest() *Manifest {
	return s.manifest
}

func (s *Session) Store() *piece.Store {
	return s.store
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) transitionLocked(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.log.Debug().Stringer("from", s.state).Stringer("to", to).Msg("session state change")
			s.state = to
			return nil
		}
	}
	return errors.Mark(errors.Newf("illegal session transition %s -> %s", s.state, to), ErrIllegalTransition)
}

// Activate starts the worker pool. Workers stop when ctx is done or the
// session is paused or closed. Resume restarts them under the same ctx.
func (s *Session) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(Active); err != nil {
		return err
	}
	s.ctx = ctx
	s.startLocked(ctx)
	return nil
}

func (s *Session) startLocked(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(wctx)
	for w := 0; w < s.opts.Workers; w++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	s.cancel = cancel
	s.group = g
	s.log.Debug().Int("workers", s.opts.Workers).Msg("workers started")
}

func (s *Session) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.group.Wait()
	s.cancel = nil
	s.group = nil
}

// Pause stops fetching. Queued pieces stay queued and blocked readers keep
// waiting until Resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(Paused); err != nil {
		return err
	}
	s.stopLocked()
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return errors.Mark(errors.Newf("cannot resume a %s session", s.state), ErrIllegalTransition)
	}
	if err := s.transitionLocked(Active); err != nil {
		return err
	}
	s.startLocked(s.ctx)
	return nil
}

// Complete stops the workers and marks the session as done.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(Completed); err != nil {
		return err
	}
	s.stopLocked()
	return nil
}

// Fail stops the workers and records err as the session failure.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionLocked(Failed) != nil {
		return
	}
	s.err = err
	s.stopLocked()
}

// Close stops the workers and releases the underlying torrent. In-flight
// pieces go back to missing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != Completed && s.state != Failed {
		_ = s.transitionLocked(Completed)
	}
	s.stopLocked()
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	})
	return nil
}

type SessionStats struct {
	State         string `json:"state"`
	Pieces        int    `json:"pieces"`
	Verified      int    `json:"verified"`
	InFlight      int    `json:"inFlight"`
	Queued        int    `json:"queued"`
	VerifiedBytes int64  `json:"verifiedBytes"`
	TotalLength   int64  `json:"totalLength"`
}

func (s *Session) Stats() SessionStats {
	st := s.store.Stats()
	return SessionStats{
		State:         s.State().String(),
		Pieces:        st.Pieces,
		Verified:      st.Verified,
		InFlight:      st.InFlight,
		Queued:        st.Queued,
		VerifiedBytes: st.VerifiedBytes,
		TotalLength:   s.manifest.TotalLength,
	}
}

func (s *Session) work(ctx context.Context) {
	for {
		i, err := s.store.NextWant(ctx)
		if err != nil {
			return
		}
		if !s.store.MarkInFlight(i) {
			continue
		}
		s.fetch(ctx, i)
	}
}

func (s *Session) fetch(ctx context.Context, i int) {
	if s.opts.Backing != nil {
		if data, err := s.opts.Backing.GetPiece(i); err == nil {
			if err := s.store.Commit(i, data); err == nil {
				s.log.Trace().Int("piece", i).Msg("piece served from cache")
				return
			}
			if !s.store.MarkInFlight(i) {
				return
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := s.budget(ctx, s.manifest.Layout().Length(i)); err != nil {
			s.store.Release(i)
			return
		}

		data, err := s.fetcher.FetchPiece(ctx, i)
		if ctx.Err() != nil {
			s.store.Release(i)
			return
		}
		if err == nil {
			err = s.store.Commit(i, data)
			if err == nil {
				return
			}
			if !s.store.MarkInFlight(i) {
				return
			}
		}

		lastErr = err
		s.log.Debug().Err(err).Int("piece", i).Int("attempt", attempt).Msg("piece fetch failed")
	}

	err := lastErr
	if !errors.Is(err, ErrUnreachable) {
		err = unreachable(err, "fetching piece")
	}
	s.log.Warn().Err(err).Int("piece", i).Msg("giving up on piece")
	s.store.Fail(i, errors.Wrapf(err, "piece %d after %d attempts", i, s.opts.MaxAttempts))
}

// budget takes n bytes from the shared limiter in burst-sized chunks.
func (s *Session) budget(ctx context.Context, n int64) error {
	l := s.opts.Limiter
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	burst := int64(l.Burst())
	if burst <= 0 {
		return errors.New("rate limiter has no burst")
	}
	for n > 0 {
		c := min(n, burst)
		if err := l.WaitN(ctx, int(c)); err != nil {
			return err
		}
		n -= c
	}
	return nil
}
