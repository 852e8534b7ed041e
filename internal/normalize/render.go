package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/logbookhq/logbook/internal/source"
)

// Each archive file ends with a marker recording the highest ordering token
// it contains. When later sweep windows overlap an earlier run, the writer
// uses the marker to drop messages that are already present, keeping appends
// idempotent without parsing message bodies.
const (
	markerPrefix = "<!-- logbook:last "
	markerSuffix = " -->"
)

// Render merges the document into the existing file content ("" when the
// file does not exist yet). Returns the full new content and whether it
// differs from existing. The output is byte-deterministic for a given
// document and prior content.
func (d Document) Render(existing string) (string, bool) {
	prevToken := ParseMarker(existing)

	var fresh []Message
	for _, m := range d.Messages {
		if source.CompareTokens(m.Token, prevToken) > 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return existing, false
	}

	var b strings.Builder
	if existing == "" {
		fmt.Fprintf(&b, "# %s\n\n", d.Title)
	} else {
		body := StripMarker(existing)
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteByte('\n')
		}
	}

	last := prevToken
	for _, m := range fresh {
		b.WriteString(renderMessage(m))
		last = source.MaxToken(last, m.Token)
	}

	fmt.Fprintf(&b, "%s%s%s\n", markerPrefix, last, markerSuffix)
	return b.String(), true
}

// renderMessage formats one message block. All timestamps are UTC RFC 3339
// so the same message always renders to the same bytes.
func renderMessage(m Message) string {
	var b strings.Builder

	header := m.Author
	if header == "" {
		header = "unknown"
	}
	if m.Edited {
		header += " (edited)"
	}
	fmt.Fprintf(&b, "### %s · %s\n", m.Timestamp.UTC().Format(time.RFC3339), header)

	text := strings.TrimRight(m.Text, "\n")
	if text != "" {
		b.WriteString(text)
		b.WriteByte('\n')
	}

	for _, a := range m.Attachments {
		if a.Failed {
			fmt.Fprintf(&b, "[attachment unavailable: %s]\n", a.Filename)
			continue
		}
		fmt.Fprintf(&b, "[file: %s](%s)\n", a.Filename, a.Path)
	}

	b.WriteByte('\n')
	return b.String()
}

// ParseMarker extracts the last-token marker from file content. Returns ""
// when no marker is present (a hand-created or pre-logbook file appends from
// the beginning of the window).
func ParseMarker(content string) string {
	idx := strings.LastIndex(content, markerPrefix)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// StripMarker removes the trailing marker line so new messages can be
// appended before a fresh marker is written.
func StripMarker(content string) string {
	idx := strings.LastIndex(content, markerPrefix)
	if idx < 0 {
		return content
	}
	return content[:idx]
}
