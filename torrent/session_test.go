package torrent

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jkaberg/torrent-subx/piece"
	"github.com/jkaberg/torrent-subx/torrent/torrenttest"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func newTestSession(t *testing.T, tt *torrenttest.Torrent, opts SessionOptions) (*Session, *torrenttest.Fetcher) {
	t.Helper()
	m, err := ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(t, err)
	f := torrenttest.NewFetcher(tt)
	s := NewSession(m, f, opts)
	require.Equal(t, ManifestReady, s.State())
	return s, f
}

func TestSessionReadsOnlyCoveringPieces(t *testing.T) {
	require := require.New(t)

	video := pattern(10_000, 3)
	tt := torrenttest.New("Show", 256,
		torrenttest.File{Path: "Show.S01E01.mkv", Data: video},
		torrenttest.File{Path: "Show.S01E01.srt", Data: []byte("1\n00:00:01,000 --> 00:00:02,000\nhi\n")},
	)
	s, f := newTestSession(t, tt, SessionOptions{Workers: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	file := s.File(s.Manifest().Files[0])
	b, err := file.ReadRange(ctx, ByteRange{Start: 300, Length: 400})
	require.NoError(err)
	require.Equal(video[300:700], b)
	require.Equal(map[int]int{1: 1, 2: 1}, f.Requests())

	b, err = file.ReadRange(ctx, ByteRange{Start: 300, Length: 400})
	require.NoError(err)
	require.Equal(video[300:700], b)
	require.Equal(2, f.Fetched())

	st := s.Stats()
	require.Equal("active", st.State)
	require.Equal(2, st.Verified)
	require.EqualValues(512, st.VerifiedBytes)
}

func TestSessionRetriesCorruptPieces(t *testing.T) {
	require := require.New(t)

	data := pattern(1000, 9)
	tt := torrenttest.New("a.bin", 100, torrenttest.File{Path: "a.bin", Data: data})
	s, f := newTestSession(t, tt, SessionOptions{Workers: 2, MaxAttempts: 3})
	f.Corrupt[4] = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	b, err := s.File(s.Manifest().Files[0], Unbounded()).ReadRange(ctx, ByteRange{Start: 350, Length: 200})
	require.NoError(err)
	require.Equal(data[350:550], b)
	require.Equal(2, f.Requests()[4])
	require.Equal(piece.Verified, s.Store().State(4))
}

func TestSessionEscalatesToUnreachable(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("a.bin", 100, torrenttest.File{Path: "a.bin", Data: pattern(300, 1)})
	s, f := newTestSession(t, tt, SessionOptions{Workers: 1, MaxAttempts: 2})
	f.Fail[1] = errors.New("peer hung up")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	_, err := s.File(s.Manifest().Files[0], Unbounded()).ReadRange(ctx, ByteRange{Start: 150, Length: 10})
	require.Error(err)
	require.True(errors.Is(err, ErrUnreachable))
	require.Equal(2, f.Requests()[1])
	require.Equal(piece.Missing, s.Store().State(1))
}

func TestFullDownloadPolicy(t *testing.T) {
	require := require.New(t)

	video := pattern(4096, 5)
	tt := torrenttest.New("v.mkv", 256, torrenttest.File{Path: "v.mkv", Data: video})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, f := newTestSession(t, tt, SessionOptions{Workers: 2, FullDownloadFraction: 0.5})
	require.NoError(s.Activate(ctx))
	defer s.Close()

	file := s.File(s.Manifest().Files[0])
	_, err := file.ReadRange(ctx, ByteRange{Start: 0, Length: 1024})
	require.NoError(err)

	_, err = file.ReadRange(ctx, ByteRange{Start: 1024, Length: 2048})
	var fd *FullDownloadRequiredError
	require.True(errors.As(err, &fd))
	require.Equal("v.mkv", fd.Path)
	require.EqualValues(3072, fd.Required)
	require.EqualValues(4096, fd.Length)
	require.Equal(4, f.Fetched())
	require.EqualValues(1024, file.Touched())

	// an unbounded view of the same file is not limited
	b, err := s.File(s.Manifest().Files[0], Unbounded()).ReadRange(ctx, ByteRange{Start: 0, Length: 4096})
	require.NoError(err)
	require.Equal(video, b)
}

func TestFullDownloadAllowed(t *testing.T) {
	require := require.New(t)

	video := pattern(4096, 7)
	tt := torrenttest.New("v.mkv", 256, torrenttest.File{Path: "v.mkv", Data: video})
	s, f := newTestSession(t, tt, SessionOptions{Workers: 2, AllowFullDownload: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	file := s.File(s.Manifest().Files[0])
	b, err := file.ReadRange(ctx, ByteRange{Start: 100, Length: 3000})
	require.NoError(err)
	require.Equal(video[100:3100], b)

	require.Eventually(func() bool { return f.Fetched() == 16 }, 3*time.Second, 10*time.Millisecond)
}

func TestSmallFileBudget(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("s.mkv", 256, torrenttest.File{Path: "s.mkv", Data: pattern(300, 2)})
	s, _ := newTestSession(t, tt, SessionOptions{Workers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	_, err := s.File(s.Manifest().Files[0]).ReadRange(ctx, ByteRange{Start: 0, Length: 300})
	require.NoError(err)
}

func TestReaderAt(t *testing.T) {
	require := require.New(t)

	data := pattern(500, 4)
	tt := torrenttest.New("a.srt", 64, torrenttest.File{Path: "a.srt", Data: data})
	s, _ := newTestSession(t, tt, SessionOptions{Workers: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	r := s.File(s.Manifest().Files[0], Unbounded()).ReaderAt(ctx)
	got, err := io.ReadAll(io.NewSectionReader(r, 0, 500))
	require.NoError(err)
	require.Equal(data, got)

	buf := make([]byte, 10)
	n, err := r.ReadAt(buf, 495)
	require.Equal(5, n)
	require.ErrorIs(err, io.EOF)

	_, err = r.ReadAt(buf, 500)
	require.ErrorIs(err, io.EOF)
}

func TestSessionTransitions(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("a.bin", 64, torrenttest.File{Path: "a.bin", Data: pattern(200, 8)})
	closed := 0
	s, _ := newTestSession(t, tt, SessionOptions{OnClose: func() { closed++ }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(s.Pause())
	require.Error(s.Resume())

	require.NoError(s.Activate(ctx))
	require.Error(s.Activate(ctx))
	require.NoError(s.Pause())
	require.Equal(Paused, s.State())

	read := make(chan error, 1)
	go func() {
		_, err := s.File(s.Manifest().Files[0]).ReadRange(ctx, ByteRange{Start: 0, Length: 10})
		read <- err
	}()

	select {
	case <-read:
		t.Fatal("read finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(s.Resume())
	select {
	case err := <-read:
		require.NoError(err)
	case <-ctx.Done():
		t.Fatal("read not served after resume")
	}

	require.NoError(s.Complete())
	require.Equal(Completed, s.State())
	require.Error(s.Activate(ctx))

	require.NoError(s.Close())
	require.NoError(s.Close())
	require.Equal(1, closed)
}

func TestSessionFail(t *testing.T) {
	tt := torrenttest.New("a.bin", 64, torrenttest.File{Path: "a.bin", Data: pattern(100, 8)})
	s, _ := newTestSession(t, tt, SessionOptions{})

	boom := errors.New("boom")
	s.Fail(boom)
	require.Equal(t, Failed, s.State())
	require.ErrorIs(t, s.Err(), boom)
}

func TestRateLimitedFetch(t *testing.T) {
	require := require.New(t)

	data := pattern(2048, 6)
	tt := torrenttest.New("a.bin", 512, torrenttest.File{Path: "a.bin", Data: data})
	lim := rate.NewLimiter(rate.Limit(1<<20), 256)
	s, _ := newTestSession(t, tt, SessionOptions{Workers: 2, Limiter: lim})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	b, err := s.File(s.Manifest().Files[0], Unbounded()).ReadRange(ctx, ByteRange{Start: 0, Length: 2048})
	require.NoError(err)
	require.Equal(data, b)
}

func TestNewLimiter(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(0)
	require.Equal(rate.Inf, l.Limit())

	l = NewLimiter(524288)
	require.Equal(rate.Limit(524288), l.Limit())
	require.Equal(524288, l.Burst())
}
