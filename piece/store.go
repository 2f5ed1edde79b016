package piece

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

type State int

const (
	Missing State = iota
	InFlight
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlight:
		return "in-flight"
	case Verified:
		return "verified"
	default:
		return "invalid"
	}
}

// Backing keeps verified piece data outside of memory.
type Backing interface {
	GetPiece(i int) ([]byte, error)
	PutPiece(i int, data []byte) error
}

type Option func(*Store)

// WithBacking persists verified pieces to b and keeps at most maxResident of
// them in memory. Evicted pieces are re-read from b and re-verified.
func WithBacking(b Backing, maxResident int) Option {
	return func(s *Store) {
		if b == nil || maxResident <= 0 {
			return
		}
		s.backing = b
		s.resident, _ = lru.New[int, []byte](maxResident)
	}
}

type waiter struct {
	done chan struct{}
	err  error
}

type Stats struct {
	Pieces        int
	Verified      int
	InFlight      int
	Queued        int
	VerifiedBytes int64
}

// Store tracks piece states and serves byte-range reads over verified pieces.
// Pieces are addressed by index only.
type Store struct {
	layout Layout

	mu       sync.Mutex
	states   []State
	queued   []bool
	waits    []*waiter
	wants    []int
	data     map[int][]byte
	verified *roaring.Bitmap

	signal chan struct{}

	backing  Backing
	resident *lru.Cache[int, []byte]

	verifiedBytes atomic.Int64
}

func NewStore(l Layout, opts ...Option) *Store {
	n := l.NumPieces()
	s := &Store{
		layout:   l,
		states:   make([]State, n),
		queued:   make([]bool, n),
		waits:    make([]*waiter, n),
		data:     make(map[int][]byte),
		verified: roaring.New(),
		signal:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) State(i int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) {
		return Missing
	}
	return s.states[i]
}

// VerifiedBytes grows monotonically with every verified piece.
func (s *Store) VerifiedBytes() int64 {
	return s.verifiedBytes.Load()
}

// VerifiedSet returns a copy of the verified piece indices.
func (s *Store) VerifiedSet() *roaring.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Clone()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Pieces: len(s.states), VerifiedBytes: s.verifiedBytes.Load()}
	for i, state := range s.states {
		switch state {
		case Verified:
			st.Verified++
		case InFlight:
			st.InFlight++
		}
		if s.queued[i] {
			st.Queued++
		}
	}
	return st
}

// MarkInFlight moves a missing piece to in-flight. It returns false when the
// piece is already being fetched or verified.
func (s *Store) MarkInFlight(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) || s.states[i] != Missing {
		return false
	}
	s.states[i] = InFlight
	return true
}

// Commit verifies data against the piece hash. On mismatch the piece goes
// back to missing and an *IntegrityError is returned; waiters keep waiting.
func (s *Store) Commit(i int, data []byte) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.states) {
		s.mu.Unlock()
		return errors.Newf("piece index %d out of range", i)
	}
	switch s.states[i] {
	case Verified:
		s.mu.Unlock()
		return nil
	case Missing:
		s.mu.Unlock()
		return errors.Newf("piece %d committed without being in flight", i)
	}
	s.mu.Unlock()

	if !s.layout.Verify(i, data) {
		s.mu.Lock()
		s.states[i] = Missing
		s.mu.Unlock()
		return &IntegrityError{Piece: i}
	}

	if s.backing != nil {
		if err := s.backing.PutPiece(i, data); err != nil {
			s.mu.Lock()
			s.states[i] = Missing
			s.mu.Unlock()
			return errors.Wrapf(err, "storing piece %d", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resident != nil {
		s.resident.Add(i, data)
	} else {
		s.data[i] = data
	}
	s.states[i] = Verified
	s.verified.Add(uint32(i))
	s.verifiedBytes.Add(int64(len(data)))
	if w := s.waits[i]; w != nil {
		s.waits[i] = nil
		close(w.done)
	}
	return nil
}

// Release returns an in-flight piece to missing, e.g. when its fetch was
// cancelled. If readers still wait for it, it is queued again.
func (s *Store) Release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) || s.states[i] != InFlight {
		return
	}
	s.states[i] = Missing
	if s.waits[i] != nil {
		s.enqueueLocked(i)
	}
}

// Fail returns an in-flight piece to missing and wakes its current waiters
// with err.
func (s *Store) Fail(i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.states) || s.states[i] == Verified {
		return
	}
	s.states[i] = Missing
	if w := s.waits[i]; w != nil {
		s.waits[i] = nil
		w.err = err
		close(w.done)
	}
}

// Want queues missing pieces for fetching.
func (s *Store) Want(indices ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range indices {
		if i >= 0 && i < len(s.states) {
			s.enqueueLocked(i)
		}
	}
}

func (s *Store) enqueueLocked(i int) {
	if s.queued[i] || s.states[i] != Missing {
		return
	}
	s.queued[i] = true
	s.wants = append(s.wants, i)
	s.notify()
}

func (s *Store) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// NextWant blocks until a queued piece is available or ctx is done.
func (s *Store) NextWant(ctx context.Context) (int, error) {
	for {
		s.mu.Lock()
		for len(s.wants) > 0 {
			i := s.wants[0]
			s.wants = s.wants[1:]
			s.queued[i] = false
			if s.states[i] != Missing {
				continue
			}
			if len(s.wants) > 0 {
				s.notify()
			}
			s.mu.Unlock()
			return i, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

func (s *Store) waiterLocked(i int) *waiter {
	if s.waits[i] == nil {
		s.waits[i] = &waiter{done: make(chan struct{})}
	}
	return s.waits[i]
}

// Read returns n bytes at torrent offset off. It suspends until every piece
// covering the range is verified, queueing only the missing ones.
func (s *Store) Read(ctx context.Context, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > s.layout.TotalLength {
		return nil, errors.Newf("range [%d, %d) outside torrent of %d bytes", off, off+n, s.layout.TotalLength)
	}
	if n == 0 {
		return []byte{}, nil
	}
	first, last := s.layout.Covering(off, n)

	for {
		var pending []*waiter
		s.mu.Lock()
		for i := first; i <= last; i++ {
			if s.states[i] == Verified {
				continue
			}
			pending = append(pending, s.waiterLocked(i))
			s.enqueueLocked(i)
		}
		s.mu.Unlock()

		if len(pending) == 0 {
			break
		}
		for _, w := range pending {
			select {
			case <-w.done:
				if w.err != nil {
					return nil, w.err
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	out := make([]byte, 0, n)
	for i := first; i <= last; i++ {
		data, err := s.pieceData(i)
		if err != nil {
			return nil, err
		}
		pOff := s.layout.Offset(i)
		start := max(off, pOff) - pOff
		end := min(off+n, pOff+int64(len(data))) - pOff
		out = append(out, data[start:end]...)
	}
	return out, nil
}

func (s *Store) pieceData(i int) ([]byte, error) {
	s.mu.Lock()
	if s.resident == nil {
		d := s.data[i]
		s.mu.Unlock()
		return d, nil
	}
	if d, ok := s.resident.Get(i); ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	d, err := s.backing.GetPiece(i)
	if err != nil {
		return nil, errors.Wrapf(err, "loading piece %d", i)
	}
	if !s.layout.Verify(i, d) {
		s.mu.Lock()
		s.states[i] = Missing
		s.verified.Remove(uint32(i))
		s.mu.Unlock()
		return nil, &IntegrityError{Piece: i}
	}
	s.mu.Lock()
	s.resident.Add(i, d)
	s.mu.Unlock()
	return d, nil
}
