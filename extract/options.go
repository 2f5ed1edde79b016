package extract

import (
	"github.com/cockroachdb/errors"

	"github.com/jkaberg/torrent-subx/classify"
	"github.com/jkaberg/torrent-subx/config"
	"github.com/jkaberg/torrent-subx/naming"
	"github.com/jkaberg/torrent-subx/subtitle"
)

type Options struct {
	// Extensions is the ordered preference list of output formats. Text
	// formats missing from it are dropped.
	Extensions []subtitle.Format
	// Languages filters labels. Empty means everything passes.
	Languages []classify.Code
	Threshold float64

	AllowFullDownload    bool
	FullDownloadFraction float64

	// EmitSup enables embedded PGS tracks; SkipSup drops every image
	// subtitle, including external .sup files.
	EmitSup bool
	SkipSup bool

	Naming naming.Options

	Archives       bool
	ArchiveMaxSize int64
}

// OptionsFromConfig converts the extract section of the configuration.
func OptionsFromConfig(e *config.Extract) (Options, error) {
	o := Options{
		Threshold:            e.Threshold(),
		AllowFullDownload:    e.AllowFullDownload,
		FullDownloadFraction: e.FullDownloadFraction,
		EmitSup:              e.EmitSup,
		SkipSup:              e.SkipSup,
		Naming: naming.Options{
			PrefixEpisode:    e.PrefixEpisodeEnabled(),
			KeepOriginalName: e.KeepOriginalName,
		},
		Archives: e.Archives,
	}

	for _, ext := range e.Extensions {
		f := subtitle.ParseFormat(ext)
		if f == subtitle.Unknown {
			return Options{}, errors.Newf("unknown subtitle extension %q", ext)
		}
		o.Extensions = append(o.Extensions, f)
	}

	for _, l := range e.Languages {
		c := classify.Code(l)
		if l == "und" {
			c = classify.Unknown
		}
		if classify.LabelOf(c).Code != c {
			return Options{}, errors.Newf("unknown language code %q", l)
		}
		o.Languages = append(o.Languages, c)
	}

	if e.ArchiveMaxSize != "" {
		n, err := config.ParseSize(e.ArchiveMaxSize)
		if err != nil {
			return Options{}, err
		}
		o.ArchiveMaxSize = n
	}
	return o, nil
}

// rank orders a format by the extension preference list. ok is false for text
// formats that are not wanted. SSA counts as ASS unless listed itself.
func (o *Options) rank(f subtitle.Format) (int, bool) {
	if f.Kind() == subtitle.KindImage {
		return len(o.Extensions), true
	}
	for i, e := range o.Extensions {
		if e == f {
			return i, true
		}
	}
	if f == subtitle.SSA {
		for i, e := range o.Extensions {
			if e == subtitle.ASS {
				return i, true
			}
		}
	}
	return 0, false
}

func (o *Options) wantFormat(f subtitle.Format, embedded bool) bool {
	switch f.Kind() {
	case subtitle.KindImage:
		if o.SkipSup {
			return false
		}
		return !embedded || o.EmitSup
	case subtitle.KindText:
		_, ok := o.rank(f)
		return ok
	}
	return false
}

// wantLanguage passes a bilingual label when the pair or either of its
// languages is listed.
func (o *Options) wantLanguage(l classify.Label) bool {
	if len(o.Languages) == 0 {
		return true
	}
	for _, want := range o.Languages {
		if want == l.Code {
			return true
		}
		for _, c := range l.Components() {
			if c == want {
				return true
			}
		}
	}
	return false
}
