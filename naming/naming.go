// Package naming builds output filenames for extracted subtitles.
package naming

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaberg/torrent-subx/classify"
	"github.com/jkaberg/torrent-subx/subtitle"
)

var episodeRe = regexp.MustCompile(`(?i)S\d{2}E\d{2}`)

var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

type Options struct {
	PrefixEpisode    bool
	KeepOriginalName bool
}

// Input describes one subtitle to be named.
type Input struct {
	// OriginalPath is the torrent path of the file the subtitle came from.
	OriginalPath string
	Label        classify.Label
	Format       subtitle.Format
	// Discriminator separates subtitles of the same original file, usually
	// the track id.
	Discriminator string
}

type Formatter struct {
	opts Options
}

func NewFormatter(opts Options) *Formatter {
	return &Formatter{opts: opts}
}

// Episode returns the upper-cased SxxEyy tag of the base name of p, if any.
func Episode(p string) string {
	return strings.ToUpper(episodeRe.FindString(path.Base(p)))
}

// Sanitize replaces characters that are unsafe in filenames.
func Sanitize(name string) string {
	return strings.TrimSpace(fileNameReplacer.Replace(strings.TrimSpace(name)))
}

// Suffix is the short language code appended to names. Bilingual labels
// use their Chinese script.
func Suffix(c classify.Code) string {
	switch c {
	case classify.MixedSimplified:
		return string(classify.Simplified)
	case classify.MixedTraditional:
		return string(classify.Traditional)
	case classify.Unknown, "":
		return "und"
	}
	return string(c)
}

// Format returns the name for in without collision handling.
func (f *Formatter) Format(in Input) string {
	var parts []string
	if f.opts.PrefixEpisode {
		if ep := Episode(in.OriginalPath); ep != "" {
			parts = append(parts, ep)
		}
	}
	parts = append(parts, in.Label.Display)
	if f.opts.KeepOriginalName {
		base := path.Base(in.OriginalPath)
		base = strings.TrimSuffix(base, path.Ext(base))
		if s := Sanitize(base); s != "" && s != "." {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "-") + "." + Suffix(in.Label.Code) + "." + in.Format.Extension()
}

// Registry hands out names that are unique within one run.
type Registry struct {
	f     *Formatter
	taken map[string]bool
}

func NewRegistry(f *Formatter) *Registry {
	return &Registry{f: f, taken: make(map[string]bool)}
}

// Claim formats in and reserves the result. A name already taken gets a
// short hash of the original path and discriminator, then an ordinal.
func (r *Registry) Claim(in Input) string {
	name := r.f.Format(in)
	if !r.taken[name] {
		r.taken[name] = true
		return name
	}

	stem, ext := split(name)
	sum := sha1.Sum([]byte(in.OriginalPath + "#" + in.Discriminator))
	stem = stem + "." + hex.EncodeToString(sum[:])[:6]

	candidate := stem + ext
	for n := 2; r.taken[candidate]; n++ {
		candidate = stem + "-" + strconv.Itoa(n) + ext
	}
	r.taken[candidate] = true
	return candidate
}

// Taken reports whether name was already handed out.
func (r *Registry) Taken(name string) bool {
	return r.taken[name]
}

// split separates "stem.code.ext" into "stem" and ".code.ext".
func split(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	j := strings.LastIndexByte(name[:i], '.')
	if j <= 0 {
		return name[:i], name[i:]
	}
	return name[:j], name[j:]
}
