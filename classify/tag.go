package classify

import (
	"strings"

	"golang.org/x/text/language"
)

// ISO 639-2 bibliographic codes that the language package does not know.
var bibliographic = map[string]string{
	"chi": "zh",
	"zho": "zh",
	"jpn": "ja",
}

// FromLanguageTag labels an image track from its container language tag.
// zh-Hant, zh-TW and zh-HK are Traditional; other Chinese tags Simplified.
func FromLanguageTag(tag string) Label {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" || tag == "und" {
		return labels[Unknown]
	}
	if b, ok := bibliographic[tag]; ok {
		tag = b
	}

	t, err := language.Parse(tag)
	if err != nil {
		return labels[Unknown]
	}
	base, _ := t.Base()
	switch base.String() {
	case "ja":
		return labels[Japanese]
	case "zh":
		script, _ := t.Script()
		if script.String() == "Hant" {
			return labels[Traditional]
		}
		return labels[Simplified]
	}
	return labels[Unknown]
}
