// Package extract runs the subtitle pipeline for torrent sources: candidate
// selection, targeted reads, demuxing, classification and naming.
package extract

import (
	"context"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/torrent-subx/archive"
	"github.com/jkaberg/torrent-subx/candidate"
	"github.com/jkaberg/torrent-subx/classify"
	"github.com/jkaberg/torrent-subx/demux"
	_ "github.com/jkaberg/torrent-subx/demux/mkv"
	_ "github.com/jkaberg/torrent-subx/demux/mp4"
	"github.com/jkaberg/torrent-subx/naming"
	"github.com/jkaberg/torrent-subx/subtitle"
	"github.com/jkaberg/torrent-subx/torrent"
	"github.com/jkaberg/torrent-subx/torrent/cache"
)

// Opener resolves sources into sessions. *torrent.Client implements it.
type Opener interface {
	Open(ctx context.Context, src torrent.Source, opts torrent.OpenOptions) (*torrent.Session, error)
}

// Writer persists one named subtitle.
type Writer interface {
	Write(ctx context.Context, name string, content []byte) error
}

type WriterFunc func(ctx context.Context, name string, content []byte) error

func (f WriterFunc) Write(ctx context.Context, name string, content []byte) error {
	return f(ctx, name, content)
}

// Extracted is a fully assembled subtitle and where it came from.
type Extracted struct {
	Candidate candidate.Candidate
	// TrackID is zero for subtitles that are whole files.
	TrackID          int64
	Subtitle         *subtitle.Subtitle
	DeclaredLanguage string
	OriginalPath     string
}

type Output struct {
	Name      string         `json:"name"`
	Candidate string         `json:"candidate"`
	TrackID   int64          `json:"trackId,omitempty"`
	Format    string         `json:"format"`
	Label     classify.Label `json:"label"`
	Size      int            `json:"size"`
}

type SourceReport struct {
	Source      string       `json:"source"`
	InfoHash    string       `json:"infoHash,omitempty"`
	Name        string       `json:"name,omitempty"`
	Outputs     []Output     `json:"outputs"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type Report struct {
	RunID   string          `json:"runId"`
	Sources []*SourceReport `json:"sources"`
}

// Listing is the preview of a source: its manifest and candidates.
type Listing struct {
	Source     string                `json:"source"`
	Manifest   *torrent.Manifest     `json:"manifest"`
	Candidates []candidate.Candidate `json:"candidates"`
}

type ProcessorOption func(*Processor)

// WithStats registers every open session for progress reporting.
func WithStats(s *torrent.Stats) ProcessorOption {
	return func(p *Processor) {
		p.stats = s
	}
}

// WithCache records processed sources.
func WithCache(db *cache.DB) ProcessorOption {
	return func(p *Processor) {
		p.cache = db
	}
}

type Processor struct {
	opener     Opener
	writer     Writer
	opts       Options
	classifier *classify.Classifier
	formatter  *naming.Formatter

	stats *torrent.Stats
	cache *cache.DB

	log zerolog.Logger
}

func NewProcessor(o Opener, w Writer, opts Options, po ...ProcessorOption) *Processor {
	p := &Processor{
		opener:     o,
		writer:     w,
		opts:       opts,
		classifier: classify.New(opts.Threshold),
		formatter:  naming.NewFormatter(opts.Naming),
		log:        log.Logger.With().Str("component", "extract").Logger(),
	}
	for _, f := range po {
		f(p)
	}
	return p
}

// Run processes sources one after the other. Source failures end up in the
// report; only cancellation stops the run early. Output names are unique
// across the whole run.
func (p *Processor) Run(ctx context.Context, sources []string) (*Report, error) {
	rep := &Report{RunID: uuid.NewString()}
	l := p.log.With().Str("run", rep.RunID).Logger()
	l.Info().Int("sources", len(sources)).Msg("starting extraction run")

	reg := naming.NewRegistry(p.formatter)
	for _, s := range sources {
		sr, err := p.process(l.WithContext(ctx), s, reg)
		rep.Sources = append(rep.Sources, sr)
		if err != nil {
			return rep, err
		}
	}

	var written, failed int
	for _, sr := range rep.Sources {
		written += len(sr.Outputs)
		failed += len(sr.Diagnostics)
	}
	l.Info().Int("written", written).Int("diagnostics", failed).Msg("extraction run finished")
	return rep, nil
}

// ProcessSource extracts the subtitles of one source.
func (p *Processor) ProcessSource(ctx context.Context, raw string) (*SourceReport, error) {
	return p.process(p.log.WithContext(ctx), raw, naming.NewRegistry(p.formatter))
}

// Processed reports whether raw was handled before, according to the cache.
func (p *Processor) Processed(raw string) bool {
	if p.cache == nil {
		return false
	}
	_, ok, err := p.cache.Processed(raw)
	if err != nil {
		p.log.Warn().Err(err).Str("source", raw).Msg("error reading processed mark")
	}
	return ok
}

// List opens raw far enough to read its manifest. No piece is fetched.
func (p *Processor) List(ctx context.Context, raw string) (*Listing, error) {
	src, err := torrent.ParseSource(raw)
	if err != nil {
		return nil, err
	}
	sess, err := p.opener.Open(ctx, src, p.openOptions())
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	m := sess.Manifest()
	return &Listing{
		Source:     raw,
		Manifest:   m,
		Candidates: candidate.Select(m, p.candidateOptions()),
	}, nil
}

func (p *Processor) openOptions() torrent.OpenOptions {
	return torrent.OpenOptions{
		AllowFullDownload:    p.opts.AllowFullDownload,
		FullDownloadFraction: p.opts.FullDownloadFraction,
	}
}

func (p *Processor) candidateOptions() candidate.Options {
	return candidate.Options{Archives: p.opts.Archives, ArchiveMaxSize: p.opts.ArchiveMaxSize}
}

// errSourceFailed stops the candidate loop once the session has failed.
var errSourceFailed = errors.New("source failed")

type sourceRun struct {
	p    *Processor
	rep  *SourceReport
	sess *torrent.Session
	reg  *naming.Registry
	log  zerolog.Logger
}

func (r *sourceRun) diag(d Diagnostic) {
	d.Source = r.rep.Source
	d.Kind = Kind(d.Err)
	d.Message = d.Err.Error()
	r.rep.Diagnostics = append(r.rep.Diagnostics, d)

	ev := r.log.Warn()
	if d.Kind == "cancelled" {
		ev = r.log.Debug()
	}
	ev.Err(d.Err).Str("stage", string(d.Stage)).Str("kind", d.Kind).
		Str("candidate", d.Candidate).Int64("track", d.TrackID).Msg("skipped")
}

func (p *Processor) process(ctx context.Context, raw string, reg *naming.Registry) (*SourceReport, error) {
	r := &sourceRun{
		p:   p,
		rep: &SourceReport{Source: raw},
		reg: reg,
		log: zerolog.Ctx(ctx).With().Str("source", raw).Logger(),
	}

	src, err := torrent.ParseSource(raw)
	if err != nil {
		r.diag(Diagnostic{Stage: StageSource, Err: err})
		return r.rep, nil
	}

	sess, err := p.opener.Open(ctx, src, p.openOptions())
	if err != nil {
		r.diag(Diagnostic{Stage: StageOpen, Err: err})
		return r.rep, ctx.Err()
	}
	defer sess.Close()
	r.sess = sess

	m := sess.Manifest()
	r.rep.InfoHash = m.InfoHash
	r.rep.Name = m.Name
	r.log = r.log.With().Str("hash", m.InfoHash).Logger()

	if p.stats != nil {
		p.stats.Add(sess)
		defer p.stats.Del(m.InfoHash)
	}

	if err := sess.Activate(ctx); err != nil {
		r.diag(Diagnostic{Stage: StageOpen, Err: err})
		return r.rep, nil
	}

	cands := candidate.Select(m, p.candidateOptions())
	r.log.Info().Str("name", m.Name).Int("files", len(m.Files)).Int("candidates", len(cands)).Msg("torrent resolved")

	for _, c := range cands {
		if err := r.candidate(ctx, c); err != nil {
			if errors.Is(err, errSourceFailed) {
				r.log.Warn().Int("written", len(r.rep.Outputs)).Msg("source unreachable, remaining candidates skipped")
				return r.rep, nil
			}
			return r.rep, err
		}
	}

	if err := sess.Complete(); err != nil {
		r.log.Debug().Err(err).Msg("completing session")
	}
	if p.cache != nil {
		if err := p.cache.MarkProcessed(raw, time.Now()); err != nil {
			r.log.Warn().Err(err).Msg("error storing processed mark")
		}
	}

	r.log.Info().Int("written", len(r.rep.Outputs)).Int("diagnostics", len(r.rep.Diagnostics)).
		Str("verified", humanize.IBytes(uint64(sess.Stats().VerifiedBytes))).Msg("source done")
	return r.rep, nil
}

// candidate extracts, classifies, names and writes the subtitles of c. The
// returned error is set when ctx is done or when the torrent became
// unreachable, which fails the session.
func (r *sourceRun) candidate(ctx context.Context, c candidate.Candidate) error {
	var subs []Extracted
	var err error
	switch c.Kind {
	case candidate.External:
		subs, err = r.external(ctx, c)
	case candidate.Archive:
		subs, err = r.archive(ctx, c)
	case candidate.MKV, candidate.MP4:
		subs, err = r.container(ctx, c)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, torrent.ErrUnreachable) {
			r.sess.Fail(err)
			r.diag(Diagnostic{Candidate: c.Path, Stage: StageSource, Err: err})
			return errSourceFailed
		}
		r.diag(Diagnostic{Candidate: c.Path, Stage: StageCandidate, Err: err})
		return nil
	}

	sort.SliceStable(subs, func(i, j int) bool {
		ri, _ := r.p.opts.rank(subs[i].Subtitle.Format)
		rj, _ := r.p.opts.rank(subs[j].Subtitle.Format)
		return ri < rj
	})

	for _, e := range subs {
		var label classify.Label
		if e.Subtitle.Format.Kind() == subtitle.KindImage {
			label = classify.FromLanguageTag(e.DeclaredLanguage)
		} else {
			label = r.p.classifier.Classify(e.Subtitle)
		}
		// Image subtitles carry no text to classify; an undeclared language
		// is kept rather than guessed away.
		undeclared := e.Subtitle.Format.Kind() == subtitle.KindImage && e.DeclaredLanguage == ""
		if !undeclared && !r.p.opts.wantLanguage(label) {
			r.log.Info().Str("candidate", c.Path).Int64("track", e.TrackID).Str("language", string(label.Code)).Msg("language filtered out")
			continue
		}

		name := r.reg.Claim(naming.Input{
			OriginalPath:  e.OriginalPath,
			Label:         label,
			Format:        e.Subtitle.Format,
			Discriminator: r.rep.InfoHash + "#" + strconv.FormatInt(e.TrackID, 10),
		})
		if err := r.p.writer.Write(ctx, name, e.Subtitle.Content); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.diag(Diagnostic{Candidate: c.Path, TrackID: e.TrackID, Stage: StageWrite, Err: err})
			continue
		}

		r.rep.Outputs = append(r.rep.Outputs, Output{
			Name:      name,
			Candidate: c.Path,
			TrackID:   e.TrackID,
			Format:    e.Subtitle.Format.String(),
			Label:     label,
			Size:      len(e.Subtitle.Content),
		})
		r.log.Info().Str("candidate", c.Path).Str("name", name).Str("language", string(label.Code)).Msg("subtitle written")
	}
	return nil
}

func (r *sourceRun) external(ctx context.Context, c candidate.Candidate) ([]Extracted, error) {
	f := subtitle.FormatFromPath(c.Path)
	if !r.p.opts.wantFormat(f, false) {
		r.log.Debug().Str("candidate", c.Path).Msg("format filtered out")
		return nil, nil
	}

	file := r.sess.File(c.Entry(r.sess.Manifest()), torrent.Unbounded())
	data, err := file.ReadRange(ctx, torrent.ByteRange{Start: 0, Length: file.Size()})
	if err != nil {
		return nil, err
	}
	return []Extracted{{
		Candidate:    c,
		Subtitle:     &subtitle.Subtitle{Format: f, Content: data},
		OriginalPath: c.Path,
	}}, nil
}

func (r *sourceRun) archive(ctx context.Context, c candidate.Candidate) ([]Extracted, error) {
	file := r.sess.File(c.Entry(r.sess.Manifest()), torrent.Unbounded())
	files, err := archive.Expand(c.Path, file.ReaderAt(ctx), file.Size(), 0)
	if err != nil {
		return nil, err
	}

	var out []Extracted
	for i, af := range files {
		if !r.p.opts.wantFormat(af.Format, false) {
			continue
		}
		out = append(out, Extracted{
			Candidate:    c,
			TrackID:      int64(i + 1),
			Subtitle:     &subtitle.Subtitle{Format: af.Format, Content: af.Data},
			OriginalPath: path.Join(c.Path, af.Path),
		})
	}
	return out, nil
}

func (r *sourceRun) container(ctx context.Context, c candidate.Candidate) ([]Extracted, error) {
	file := r.sess.File(c.Entry(r.sess.Manifest()))
	d, err := demux.Open(demux.ContainerFromPath(c.Path), file.ReaderAt(ctx), file.Size())
	if err != nil {
		return nil, err
	}
	tracks, err := d.Tracks()
	if err != nil {
		return nil, err
	}

	var wanted []demux.Track
	for _, t := range tracks {
		if !t.Supported() {
			r.diag(Diagnostic{Candidate: c.Path, TrackID: t.ID, Stage: StageTrack, Err: &demux.UnsupportedCodecError{Codec: t.CodecID}})
			continue
		}
		if !r.p.opts.wantFormat(t.Codec, true) {
			r.log.Debug().Str("candidate", c.Path).Int64("track", t.ID).Stringer("format", t.Codec).Msg("format filtered out")
			continue
		}
		wanted = append(wanted, t)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	results, err := d.Extract(wanted)
	if err != nil {
		return nil, err
	}

	var out []Extracted
	for _, res := range results {
		if res.Err != nil {
			if errors.Is(res.Err, torrent.ErrUnreachable) {
				return nil, res.Err
			}
			r.diag(Diagnostic{Candidate: c.Path, TrackID: res.Track.ID, Stage: StageTrack, Err: res.Err})
			continue
		}
		out = append(out, Extracted{
			Candidate:        c,
			TrackID:          res.Track.ID,
			Subtitle:         res.Subtitle,
			DeclaredLanguage: res.Track.Language,
			OriginalPath:     c.Path,
		})
	}
	return out, nil
}
