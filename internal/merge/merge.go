// Package merge combines transcript segments and slide-change timestamps into
// one annotated document and renders it for download.
package merge

import (
	"slices"
	"sort"
	"strings"
)

// Segment is one span of recognized speech, in seconds.
type Segment struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
	Text  string  `json:"text" yaml:"text"`
}

// Kind distinguishes document entries.
type Kind string

const (
	KindText  Kind = "text"
	KindSlide Kind = "slide"
)

// Entry is one line of the annotated document.
type Entry struct {
	Timestamp float64 `json:"timestamp" yaml:"timestamp"`
	Kind      Kind    `json:"kind" yaml:"kind"`
	Content   string  `json:"content,omitempty" yaml:"content,omitempty"`
	// End is set for text entries only.
	End float64 `json:"end,omitempty" yaml:"end,omitempty"`
}

// Document is the merged transcript.
type Document struct {
	Title   string  `json:"title,omitempty" yaml:"title,omitempty"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

// Slides counts slide-change entries.
func (d Document) Slides() int {
	n := 0
	for _, e := range d.Entries {
		if e.Kind == KindSlide {
			n++
		}
	}
	return n
}

// Merge interleaves markers into segments. Segment intervals are half-open:
// a marker in [start, end) is placed immediately before that segment's text,
// so a marker exactly on a boundary belongs to the segment that starts there.
// Markers that fall in a gap keep their own position in time, and markers
// after the last segment are appended. Segment text is never split.
func Merge(segments []Segment, markers []float64) Document {
	segs := slices.Clone(segments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	marks := normalizeMarkers(markers)

	entries := make([]Entry, 0, len(segs)+len(marks))
	next := 0
	for _, seg := range segs {
		for next < len(marks) && marks[next] < seg.End {
			entries = append(entries, Entry{Timestamp: marks[next], Kind: KindSlide})
			next++
		}
		entries = append(entries, Entry{
			Timestamp: seg.Start,
			End:       seg.End,
			Kind:      KindText,
			Content:   strings.TrimSpace(seg.Text),
		})
	}
	for ; next < len(marks); next++ {
		entries = append(entries, Entry{Timestamp: marks[next], Kind: KindSlide})
	}
	return Document{Entries: entries}
}

func normalizeMarkers(markers []float64) []float64 {
	out := make([]float64, 0, len(markers))
	for _, m := range markers {
		if m >= 0 {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
