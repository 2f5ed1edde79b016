package demux

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/crlf"
	"golang.org/x/text/transform"
)

// Cue is one timed text sample.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// NormalizeText cuts data at the first NUL byte and turns CRLF and CR line
// endings into LF.
func NormalizeText(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	out, _, err := transform.Bytes(new(crlf.Normalize), data)
	if err != nil {
		return strings.TrimRight(string(data), "\r\n")
	}
	return strings.TrimRight(string(out), "\n")
}

// FillEnds gives cues without a duration an end at the next cue's start, or
// a fixed length for the last one.
func FillEnds(cues []Cue) {
	for i := range cues {
		if cues[i].End > cues[i].Start {
			continue
		}
		if i+1 < len(cues) && cues[i+1].Start > cues[i].Start {
			cues[i].End = cues[i+1].Start
		} else {
			cues[i].End = cues[i].Start + 2*time.Second
		}
	}
}

func clock(d time.Duration) (h, m, s, ms int64) {
	if d < 0 {
		d = 0
	}
	total := d.Milliseconds()
	return total / 3600000, total / 60000 % 60, total / 1000 % 60, total % 1000
}

func srtTime(d time.Duration) string {
	h, m, s, ms := clock(d)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTime(d time.Duration) string {
	h, m, s, ms := clock(d)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func assTime(d time.Duration) string {
	h, m, s, ms := clock(d)
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, ms/10)
}

// BuildSRT renders cues as SubRip, numbering them from 1. Empty cues are
// dropped.
func BuildSRT(cues []Cue) []byte {
	var b bytes.Buffer
	n := 0
	for _, c := range cues {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTime(c.Start), srtTime(c.End), c.Text)
	}
	return b.Bytes()
}

// BuildVTT renders cues as WebVTT below header, which defaults to "WEBVTT".
func BuildVTT(header string, cues []Cue) []byte {
	header = strings.TrimRight(header, "\n")
	if !strings.HasPrefix(header, "WEBVTT") {
		header = "WEBVTT"
	}

	var b bytes.Buffer
	b.WriteString(header)
	b.WriteString("\n\n")
	for _, c := range cues {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", vttTime(c.Start), vttTime(c.End), c.Text)
	}
	return b.Bytes()
}

// Dialogue is one event of an ASS or SSA track as stored in a container:
// "ReadOrder,Layer,Style,Name,MarginL,MarginR,MarginV,Effect,Text" without
// timestamps.
type Dialogue struct {
	ReadOrder int
	Start     time.Duration
	End       time.Duration
	Fields    string
}

const (
	assEventsFormat = "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"
	ssaEventsFormat = "Format: Marked, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"
)

// ParseDialogue splits a stored event into its read order and the fields
// that follow it.
func ParseDialogue(text string, start, end time.Duration) (Dialogue, bool) {
	order, rest, ok := strings.Cut(text, ",")
	if !ok {
		return Dialogue{}, false
	}
	var ro int
	if _, err := fmt.Sscanf(strings.TrimSpace(order), "%d", &ro); err != nil {
		return Dialogue{}, false
	}
	return Dialogue{ReadOrder: ro, Start: start, End: end, Fields: rest}, true
}

// BuildASS writes header followed by the dialogue lines ordered by their
// read order. An [Events] section is added when the header has none.
func BuildASS(header string, ssa bool, lines []Dialogue) []byte {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].ReadOrder < lines[j].ReadOrder })

	var b bytes.Buffer
	header = strings.TrimRight(header, "\n")
	b.WriteString(header)
	b.WriteString("\n")
	if !strings.Contains(header, "[Events]") {
		b.WriteString("\n[Events]\n")
		if ssa {
			b.WriteString(ssaEventsFormat)
		} else {
			b.WriteString(assEventsFormat)
		}
		b.WriteString("\n")
	}

	for _, l := range lines {
		layer, rest, _ := strings.Cut(l.Fields, ",")
		fmt.Fprintf(&b, "Dialogue: %s,%s,%s,%s\n", layer, assTime(l.Start), assTime(l.End), rest)
	}
	return b.Bytes()
}

// PGSSegments wraps the presentation graphics segments found in one sample
// with the "PG" header used by .sup files. PTS is in 90kHz ticks.
func PGSSegments(dst *bytes.Buffer, payload []byte, start time.Duration) error {
	pts := uint32(start.Microseconds() * 90 / 1000)
	for len(payload) > 0 {
		if len(payload) < 3 {
			return Malformed("truncated PGS segment header")
		}
		n := 3 + (int(payload[1])<<8 | int(payload[2]))
		if n > len(payload) {
			return Malformed("PGS segment of %d bytes exceeds sample of %d", n, len(payload))
		}
		dst.WriteString("PG")
		dst.Write([]byte{byte(pts >> 24), byte(pts >> 16), byte(pts >> 8), byte(pts)})
		dst.Write([]byte{0, 0, 0, 0})
		dst.Write(payload[:n])
		payload = payload[n:]
	}
	return nil
}
