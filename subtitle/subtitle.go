package subtitle

import (
	"path"
	"strings"
)

// Format is the on-disk representation of an extracted subtitle stream.
type Format int

const (
	Unknown Format = iota
	ASS
	SSA
	SRT
	VTT
	SUP
)

// Kind separates text streams from rendered image streams.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindImage
)

var extensions = map[Format]string{
	ASS: "ass",
	SSA: "ssa",
	SRT: "srt",
	VTT: "vtt",
	SUP: "sup",
}

// Extension returns the file extension without the leading dot, or "" for Unknown.
func (f Format) Extension() string {
	return extensions[f]
}

func (f Format) String() string {
	if e, ok := extensions[f]; ok {
		return e
	}
	return "unknown"
}

func (f Format) Kind() Kind {
	switch f {
	case ASS, SSA, SRT, VTT:
		return KindText
	case SUP:
		return KindImage
	default:
		return KindUnknown
	}
}

// ParseFormat maps an extension ("ass", ".SRT") to a Format.
func ParseFormat(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for f, e := range extensions {
		if e == ext {
			return f
		}
	}
	return Unknown
}

// FormatFromPath classifies a file name by its extension.
func FormatFromPath(p string) Format {
	return ParseFormat(path.Ext(p))
}

// Subtitle is a fully assembled subtitle payload.
type Subtitle struct {
	Format  Format
	Content []byte
}
