package merge

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"talkscribe/internal/textutil"
)

// Format selects a download rendering.
type Format string

const (
	FormatText       Format = "text"
	FormatParagraphs Format = "paragraphs"
	FormatJSON       Format = "json"
	FormatYAML       Format = "yaml"
)

// Formats lists the supported renderings.
var Formats = []Format{FormatText, FormatParagraphs, FormatJSON, FormatYAML}

const slideLine = "--- slide change ---"

// ParseFormat validates a format name. Empty selects FormatText.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "", "txt":
		return FormatText, nil
	case "yml":
		return FormatYAML, nil
	case FormatText, FormatParagraphs, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q", value)
	}
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (f Format) extension() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatYAML:
		return ".yaml"
	default:
		return ".txt"
	}
}

// Filename derives the download name from a video title, for example
// "My_Talk_transcript.txt".
func Filename(title string, f Format) string {
	stem := textutil.SanitizeTitle(title)
	if stem == "" {
		return "transcript" + f.extension()
	}
	return stem + "_transcript" + f.extension()
}

// Render produces doc in format f.
func Render(doc Document, f Format) ([]byte, error) {
	switch f {
	case FormatText, "":
		return []byte(RenderText(doc)), nil
	case FormatParagraphs:
		return []byte(RenderParagraphs(doc)), nil
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json transcript: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode yaml transcript: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}
}

// RenderText writes one line per entry in document order:
//
//	[00:00:03] --- slide change ---
//	[00:00:00] Welcome everyone.
func RenderText(doc Document) string {
	var b strings.Builder
	for _, e := range doc.Entries {
		b.WriteByte('[')
		b.WriteString(Timestamp(e.Timestamp))
		b.WriteString("] ")
		if e.Kind == KindSlide {
			b.WriteString(slideLine)
		} else {
			b.WriteString(e.Content)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderParagraphs groups consecutive text entries into one paragraph per
// slide, each introduced by its marker line.
func RenderParagraphs(doc Document) string {
	var (
		parts   []string
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = current[:0]
		}
	}
	for _, e := range doc.Entries {
		if e.Kind == KindSlide {
			flush()
			parts = append(parts, "["+Timestamp(e.Timestamp)+"] "+strings.ToUpper(slideLine))
			continue
		}
		if text := strings.TrimSpace(e.Content); text != "" {
			current = append(current, text)
		}
	}
	flush()
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n") + "\n"
}

// Timestamp formats seconds as HH:MM:SS, truncating fractions.
func Timestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
