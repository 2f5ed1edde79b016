package classify

import (
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"github.com/jkaberg/torrent-subx/subtitle"
)

func srt(text string) *subtitle.Subtitle {
	return &subtitle.Subtitle{Format: subtitle.SRT, Content: []byte("1\n00:00:01,000 --> 00:00:02,000\n" + text + "\n")}
}

func TestClassify(t *testing.T) {
	c := New(DefaultThreshold)

	for _, tc := range []struct {
		name string
		text string
		want Code
	}{
		{"traditional", "這是我們的國家", Traditional},
		{"simplified", "这是我们的国家", Simplified},
		{"japanese", "これは日本語です", Japanese},
		{"japanese with shared kanji", "東京の天気は晴れです", Japanese},
		{"bilingual traditional", "これは本です\n這是一本書", MixedTraditional},
		{"bilingual simplified", "これは本です\n这是一本书", MixedSimplified},
		{"han without signal", "天地人", Unknown},
		{"latin", "hello world", Unknown},
		{"tie prefers traditional", "這这", Traditional},
		{"more simplified hits", "這这们说", Simplified},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(srt(tc.text))
			require.Equal(t, tc.want, got.Code)
			require.Equal(t, LabelOf(tc.want), got)
			require.Equal(t, got, c.Classify(srt(tc.text)))
		})
	}
}

func TestThreshold(t *testing.T) {
	require := require.New(t)

	// one Traditional signal among 20 scanned runes: density 0.05
	text := strings.Repeat("あ", 19) + "們"
	require.Equal(MixedTraditional, New(0.05).Classify(srt(text)).Code)
	require.Equal(MixedTraditional, New(0.03).Classify(srt(text)).Code)
	require.Equal(Japanese, New(0.06).Classify(srt(text)).Code)

	kanaOnly := strings.Repeat("カ", 10)
	require.Equal(Japanese, New(0).Classify(srt(kanaOnly)).Code)
}

func TestDecide(t *testing.T) {
	c := New(0.5)
	require.Equal(t, MixedSimplified, c.Decide(Counts{Scanned: 4, Kana: 2, Simplified: 2}).Code)
	require.Equal(t, Japanese, c.Decide(Counts{Scanned: 5, Kana: 3, Simplified: 2}).Code)
}

func TestClassifyASSDialogueOnly(t *testing.T) {
	require := require.New(t)

	ass := "[V4+ Styles]\nStyle: 微軟正黑體,微軟正黑體,20\n\n[Events]\n" +
		"Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n" +
		"Dialogue: 0,0:00:01.00,0:00:02.00,微軟正黑體,,0,0,0,,{\\fn微軟正黑體}这是我们的\n"
	got := New(DefaultThreshold).Classify(&subtitle.Subtitle{Format: subtitle.ASS, Content: []byte(ass)})
	require.Equal(Simplified, got.Code)
}

func utf16LE(s string) []byte {
	out := []byte{0xFF, 0xFE}
	for _, u := range utf16.Encode([]rune(s)) {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

func TestClassifyEncodings(t *testing.T) {
	require := require.New(t)
	c := New(DefaultThreshold)

	body := srt("這是我們").Content

	withBOM := append([]byte{0xEF, 0xBB, 0xBF}, body...)
	require.Equal(Traditional, c.Classify(&subtitle.Subtitle{Format: subtitle.SRT, Content: withBOM}).Code)

	wide := utf16LE(string(body))
	require.Equal(Traditional, c.Classify(&subtitle.Subtitle{Format: subtitle.SRT, Content: wide}).Code)

	broken := append([]byte("這是"), 0xC3, 0x28)
	require.Equal(Unknown, c.Classify(&subtitle.Subtitle{Format: subtitle.SRT, Content: broken}).Code)
}

func TestClassifyImage(t *testing.T) {
	c := New(DefaultThreshold)
	got := c.Classify(&subtitle.Subtitle{Format: subtitle.SUP, Content: []byte("PG這是我們")})
	require.Equal(t, Unknown, got.Code)
	require.Equal(t, Unknown, c.Classify(nil).Code)
}

func TestFromLanguageTag(t *testing.T) {
	for tag, want := range map[string]Code{
		"chi":     Simplified,
		"zho":     Simplified,
		"zh":      Simplified,
		"zh-Hans": Simplified,
		"zh-CN":   Simplified,
		"zh-Hant": Traditional,
		"zh-TW":   Traditional,
		"zh-HK":   Traditional,
		"jpn":     Japanese,
		"ja-JP":   Japanese,
		"eng":     Unknown,
		"und":     Unknown,
		"":        Unknown,
		"%%":      Unknown,
	} {
		require.Equal(t, want, FromLanguageTag(tag).Code, tag)
	}
}

func TestComponents(t *testing.T) {
	require.Equal(t, []Code{Traditional, Japanese}, LabelOf(MixedTraditional).Components())
	require.Equal(t, []Code{Simplified}, LabelOf(Simplified).Components())
	require.Equal(t, Unknown, LabelOf("xx").Code)
}
