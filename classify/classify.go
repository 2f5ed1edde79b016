// Package classify decides whether subtitle text is Simplified Chinese,
// Traditional Chinese, Japanese or a Chinese/Japanese bilingual track.
package classify

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jkaberg/torrent-subx/subtitle"
)

type Code string

const (
	Simplified       Code = "zh"
	Traditional      Code = "zh-TW"
	Japanese         Code = "ja"
	MixedSimplified  Code = "mixed-zh-ja"
	MixedTraditional Code = "mixed-zhTW-ja"
	Unknown          Code = "unknown"
)

// DefaultThreshold is the Chinese signal density from which text that also
// has kana is considered bilingual.
const DefaultThreshold = 0.03

type Label struct {
	Code      Code   `json:"code"`
	Bilingual bool   `json:"bilingual"`
	Display   string `json:"display"`
}

var labels = map[Code]Label{
	Simplified:       {Code: Simplified, Display: "简体-简体中文"},
	Traditional:      {Code: Traditional, Display: "繁體-繁體中文"},
	Japanese:         {Code: Japanese, Display: "日文"},
	MixedSimplified:  {Code: MixedSimplified, Bilingual: true, Display: "簡日-簡日雙語"},
	MixedTraditional: {Code: MixedTraditional, Bilingual: true, Display: "繁日-繁日雙語"},
	Unknown:          {Code: Unknown, Display: "未知語言"},
}

// LabelOf returns the label for code, or the unknown label.
func LabelOf(c Code) Label {
	if l, ok := labels[c]; ok {
		return l
	}
	return labels[Unknown]
}

// Components returns the single languages a label is made of.
func (l Label) Components() []Code {
	switch l.Code {
	case MixedSimplified:
		return []Code{Simplified, Japanese}
	case MixedTraditional:
		return []Code{Traditional, Japanese}
	}
	return []Code{l.Code}
}

// Characters only written in Traditional Chinese. Forms shared with Japanese
// shinjitai or kyujitai in common use are left out.
const traditionalOnly = "這們說麼會沒對讓嗎關讀寫賣腦邊樣覺學聽點錢鐵應發媽裡從總實歡國體灣臺來妳傳氣經歲變處聲樂萬與舊擔壓當畫黨"

// Characters only written in Simplified Chinese, again without forms
// Japanese uses.
const simplifiedOnly = "这们说么对时问间门见现让话谁给吗过为东车长开关认识读书买卖电脑飞边样觉爱亲听头热钱银错铁钟请谢语讲该应发妈动无从总难欢传气经岁变处乐压还进运远"

var (
	traditional = runeSet(traditionalOnly)
	simplified  = runeSet(simplifiedOnly)
)

func runeSet(s string) map[rune]bool {
	m := make(map[rune]bool, utf8.RuneCountInString(s))
	for _, r := range s {
		m[r] = true
	}
	return m
}

func isKana(r rune) bool {
	return (r >= 0x3041 && r <= 0x3096) || (r >= 0x30A1 && r <= 0x30FA) || (r >= 0xFF66 && r <= 0xFF9D)
}

// Counts holds the script signals found in a text.
type Counts struct {
	Scanned     int
	Kana        int
	Traditional int
	Simplified  int
}

// Count scans text for Han and kana runes.
func Count(text string) Counts {
	var c Counts
	for _, r := range text {
		switch {
		case isKana(r):
			c.Kana++
			c.Scanned++
		case unicode.Is(unicode.Han, r):
			c.Scanned++
			if traditional[r] {
				c.Traditional++
			}
			if simplified[r] {
				c.Simplified++
			}
		}
	}
	return c
}

type Classifier struct {
	threshold float64
}

func New(threshold float64) *Classifier {
	if threshold < 0 {
		threshold = 0
	}
	return &Classifier{threshold: threshold}
}

func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Classify labels a text subtitle. Image subtitles and undecodable text are
// unknown.
func (c *Classifier) Classify(s *subtitle.Subtitle) Label {
	if s == nil || s.Format.Kind() != subtitle.KindText {
		return labels[Unknown]
	}
	text, ok := decode(s.Content)
	if !ok {
		return labels[Unknown]
	}
	if s.Format == subtitle.ASS || s.Format == subtitle.SSA {
		text = dialogueText(text)
	}
	return c.Decide(Count(text))
}

// Decide applies the classification rules to scanned counts.
func (c *Classifier) Decide(n Counts) Label {
	chinese := n.Traditional + n.Simplified
	trad := n.Traditional >= n.Simplified

	if n.Kana > 0 {
		if chinese > 0 && float64(chinese)/float64(n.Scanned) >= c.threshold {
			if trad {
				return labels[MixedTraditional]
			}
			return labels[MixedSimplified]
		}
		return labels[Japanese]
	}
	if chinese > 0 {
		if trad {
			return labels[Traditional]
		}
		return labels[Simplified]
	}
	return labels[Unknown]
}

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16BEBOM = []byte{0xFE, 0xFF}
	utf16LEBOM = []byte{0xFF, 0xFE}
)

func decode(b []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(b, utf8BOM):
		b = b[len(utf8BOM):]
	case bytes.HasPrefix(b, utf16BEBOM), bytes.HasPrefix(b, utf16LEBOM):
		dec := xunicode.BOMOverride(xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM).NewDecoder())
		out, _, err := transform.Bytes(dec, b)
		if err != nil {
			return "", false
		}
		b = out
	}
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// dialogueText keeps the text field of ASS/SSA Dialogue lines without
// override blocks, so style and font names are not scanned.
func dialogueText(s string) string {
	var out strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "Dialogue:")
		if !ok {
			continue
		}
		fields := strings.SplitN(rest, ",", 10)
		if len(fields) < 10 {
			continue
		}
		out.WriteString(stripOverrides(fields[9]))
		out.WriteByte('\n')
	}
	return out.String()
}

func stripOverrides(s string) string {
	var out strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '{':
			depth++
		case r == '}' && depth > 0:
			depth--
		case depth == 0:
			out.WriteRune(r)
		}
	}
	return out.String()
}
