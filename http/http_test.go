package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/candidate"
	"github.com/jkaberg/torrent-subx/extract"
	"github.com/jkaberg/torrent-subx/torrent"
	"github.com/jkaberg/torrent-subx/torrent/torrenttest"
)

type fakeExtractor struct {
	sources []string
}

func (f *fakeExtractor) List(_ context.Context, raw string) (*extract.Listing, error) {
	if raw == "bad" {
		return nil, errors.Mark(errors.New("bad source"), torrent.ErrInvalidSource)
	}
	return &extract.Listing{
		Source:     raw,
		Manifest:   &torrent.Manifest{Name: "Show"},
		Candidates: []candidate.Candidate{{Path: "Show/Show.S01E01.mkv", Length: 10}},
	}, nil
}

func (f *fakeExtractor) ProcessSource(_ context.Context, raw string) (*extract.SourceReport, error) {
	f.sources = append(f.sources, raw)
	return &extract.SourceReport{Source: raw, Outputs: []extract.Output{{Name: "S01E01-日文.ja.srt"}}}, nil
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPI(t *testing.T) {
	require := require.New(t)

	logPath := filepath.Join(t.TempDir(), "subx.log")
	require.NoError(os.WriteFile(logPath, []byte("line one\nline two\n"), 0644))

	fe := &fakeExtractor{}
	r, err := NewRouter(fe, torrent.NewStats(), "/srv/subs", logPath)
	require.NoError(err)

	w := do(t, r, http.MethodGet, "/", "")
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), "/srv/subs")

	w = do(t, r, http.MethodGet, "/api/list?source=magnet%3Afoo", "")
	require.Equal(http.StatusOK, w.Code)
	var l extract.Listing
	require.NoError(json.Unmarshal(w.Body.Bytes(), &l))
	require.Equal("magnet:foo", l.Source)
	require.Equal("Show", l.Manifest.Name)
	require.Len(l.Candidates, 1)

	w = do(t, r, http.MethodGet, "/api/list?source=bad", "")
	require.Equal(http.StatusBadRequest, w.Code)
	require.Contains(w.Body.String(), "invalid-source")

	w = do(t, r, http.MethodGet, "/api/list", "")
	require.Equal(http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/extract", `{"source":"magnet:bar"}`)
	require.Equal(http.StatusOK, w.Code)
	require.Contains(w.Body.String(), "S01E01-日文.ja.srt")
	require.Equal([]string{"magnet:bar"}, fe.sources)

	w = do(t, r, http.MethodPost, "/api/extract", `{}`)
	require.Equal(http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/status", "")
	require.Equal(http.StatusOK, w.Code)
	require.JSONEq(`{"torrentStats":[]}`, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/log", "")
	require.Equal(http.StatusOK, w.Code)
	require.Equal("line one\nline two\n", w.Body.String())
}

func TestSessionPauseResume(t *testing.T) {
	require := require.New(t)

	tt := torrenttest.New("a.bin", 64, torrenttest.File{Path: "a.bin", Data: make([]byte, 200)})
	m, err := torrent.ManifestFromInfo(tt.InfoHash, tt.Info)
	require.NoError(err)
	s := torrent.NewSession(m, torrenttest.NewFetcher(tt), torrent.SessionOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.Activate(ctx))
	defer s.Close()

	ss := torrent.NewStats()
	ss.Add(s)
	r, err := NewRouter(&fakeExtractor{}, ss, "", "")
	require.NoError(err)

	hash := m.InfoHash
	w := do(t, r, http.MethodPost, "/api/sessions/"+hash+"/pause", "")
	require.Equal(http.StatusOK, w.Code)
	require.Equal(torrent.Paused, s.State())

	w = do(t, r, http.MethodPost, "/api/sessions/"+hash+"/pause", "")
	require.Equal(http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/status", "")
	require.Contains(w.Body.String(), `"state":"paused"`)

	w = do(t, r, http.MethodPost, "/api/sessions/"+hash+"/resume", "")
	require.Equal(http.StatusOK, w.Code)
	require.Equal(torrent.Active, s.State())

	w = do(t, r, http.MethodPost, "/api/sessions/"+hash+"/resume", "")
	require.Equal(http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/api/sessions/0000/pause", "")
	require.Equal(http.StatusNotFound, w.Code)
}
