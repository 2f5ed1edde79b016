package naming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/classify"
	"github.com/jkaberg/torrent-subx/subtitle"
)

func input(p string, c classify.Code, f subtitle.Format, disc string) Input {
	return Input{OriginalPath: p, Label: classify.LabelOf(c), Format: f, Discriminator: disc}
}

func TestFormat(t *testing.T) {
	f := NewFormatter(Options{PrefixEpisode: true})

	for _, tc := range []struct {
		in   Input
		want string
	}{
		{input("Show.S01E02.mkv", classify.Traditional, subtitle.ASS, ""), "S01E02-繁體-繁體中文.zh-TW.ass"},
		{input("show/show.s03e10.1080p.mp4", classify.Simplified, subtitle.SRT, ""), "S03E10-简体-简体中文.zh.srt"},
		{input("Movie.mkv", classify.Japanese, subtitle.VTT, ""), "日文.ja.vtt"},
		{input("S01E02/movie.mkv", classify.MixedSimplified, subtitle.ASS, ""), "簡日-簡日雙語.zh.ass"},
		{input("Show.S1E2.mkv", classify.MixedTraditional, subtitle.SRT, ""), "繁日-繁日雙語.zh-TW.srt"},
		{input("Show.S01E02.mkv", classify.Unknown, subtitle.SUP, ""), "S01E02-未知語言.und.sup"},
	} {
		require.Equal(t, tc.want, f.Format(tc.in))
	}
}

func TestFormatOptions(t *testing.T) {
	require := require.New(t)
	in := input("Show/Show: Pilot?.S01E02.mkv", classify.Traditional, subtitle.SRT, "")

	require.Equal("繁體-繁體中文.zh-TW.srt", NewFormatter(Options{}).Format(in))
	require.Equal("S01E02-繁體-繁體中文-Show- Pilot.S01E02.zh-TW.srt",
		NewFormatter(Options{PrefixEpisode: true, KeepOriginalName: true}).Format(in))
}

func TestClaim(t *testing.T) {
	require := require.New(t)

	run := func() []string {
		r := NewRegistry(NewFormatter(Options{PrefixEpisode: true}))
		p := "Show/Show.S01E02.mkv"
		return []string{
			r.Claim(input(p, classify.Traditional, subtitle.ASS, "1")),
			r.Claim(input(p, classify.Traditional, subtitle.ASS, "2")),
			r.Claim(input(p, classify.Traditional, subtitle.ASS, "3")),
			r.Claim(input(p, classify.Traditional, subtitle.ASS, "2")),
			r.Claim(input(p, classify.Traditional, subtitle.SRT, "4")),
		}
	}

	names := run()
	require.Equal([]string{
		"S01E02-繁體-繁體中文.zh-TW.ass",
		"S01E02-繁體-繁體中文.02fb92.zh-TW.ass",
		"S01E02-繁體-繁體中文.a3b473.zh-TW.ass",
		"S01E02-繁體-繁體中文.02fb92-2.zh-TW.ass",
		"S01E02-繁體-繁體中文.zh-TW.srt",
	}, names)
	require.Equal(names, run())

	seen := map[string]bool{}
	for _, n := range names {
		require.False(seen[n], n)
		seen[n] = true
	}
}

func TestHelpers(t *testing.T) {
	require.Equal(t, "S02E11", Episode("dir/S99E99/x.s02e11.mkv"))
	require.Equal(t, "", Episode("x.mkv"))
	require.Equal(t, "a-b-c", Sanitize(" a/b:c? "))
	require.Equal(t, "und", Suffix(""))

	stem, ext := split("a.b.zh.srt")
	require.Equal(t, "a.b", stem)
	require.Equal(t, ".zh.srt", ext)
}
