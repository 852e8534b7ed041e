// Package normalize converts raw platform messages into an ordered,
// deduplicated, deterministic document set ready for commit.
package normalize

import (
	"sort"
	"strings"
	"time"

	"github.com/logbookhq/logbook/internal/attach"
	"github.com/logbookhq/logbook/internal/source"
)

// Attachment is one rendered attachment reference within a message.
type Attachment struct {
	Filename string
	Hash     string
	Size     int64
	Path     string // repo-relative path under the mapping folder
	Failed   bool   // download failed; rendered as a placeholder note
}

// Message is the canonical intermediate unit: unique by (conversation,
// platform message id), sorted by ordering token. Ephemeral — consumed
// immediately by the repository writer, never persisted.
type Message struct {
	ConversationID string
	ID             string
	Token          string
	Timestamp      time.Time
	Author         string
	Text           string
	Edited         bool
	Attachments    []Attachment
}

// Document is one target file's worth of normalized messages.
type Document struct {
	Path     string // repo-relative file name under the mapping folder
	Title    string
	Messages []Message // sorted by token
}

// Options controls document assembly.
type Options struct {
	// FileStem names the single-file document (stem + ".md"). Ignored when
	// ChunkByDay is set.
	FileStem string
	// Title heads newly created files.
	Title string
	// ChunkByDay emits one document per UTC day instead of a single file.
	ChunkByDay bool
}

// Normalize deduplicates, filters, sorts, and groups raw messages. Given the
// same input set it always produces the same output, regardless of input
// ordering or duplication — that determinism is what makes the downstream
// commit idempotent under retries and duplicate deliveries.
func Normalize(raw []source.RawMessage, att attach.Result, opts Options) []Document {
	msgs := dedupe(raw)

	var out []Message
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		out = append(out, build(m, att))
	}

	sort.Slice(out, func(i, j int) bool {
		if c := source.CompareTokens(out[i].Token, out[j].Token); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})

	return group(out, opts)
}

// HighestToken returns the largest ordering token across a document set, or
// "" if the set is empty. The sweep advances the watermark to exactly this
// value once the commit lands.
func HighestToken(docs []Document) string {
	token := ""
	for _, d := range docs {
		for _, m := range d.Messages {
			token = source.MaxToken(token, m.Token)
		}
	}
	return token
}

// HasFailedAttachments reports whether any rendered message carries an
// attachment placeholder. Failures on messages that were dropped during
// normalization (deleted, or superseded duplicates) do not count.
func HasFailedAttachments(docs []Document) bool {
	for _, d := range docs {
		for _, m := range d.Messages {
			for _, a := range m.Attachments {
				if a.Failed {
					return true
				}
			}
		}
	}
	return false
}

// dedupe keeps one raw message per platform id. The surviving copy is chosen
// deterministically: an edited copy beats an unedited one, the most recent
// edit beats an older one, then the greater body text wins, so the result is
// independent of arrival order.
func dedupe(raw []source.RawMessage) []source.RawMessage {
	byID := make(map[string]source.RawMessage, len(raw))
	for _, m := range raw {
		prev, ok := byID[m.ID]
		if !ok || prefer(m, prev) {
			byID[m.ID] = m
		}
	}
	out := make([]source.RawMessage, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	return out
}

// prefer reports whether a should replace b as the surviving duplicate.
func prefer(a, b source.RawMessage) bool {
	if a.Deleted != b.Deleted {
		return a.Deleted // a later deletion wins over any content
	}
	if a.Edited != b.Edited {
		return a.Edited
	}
	if c := source.CompareTokens(a.EditedToken, b.EditedToken); c != 0 {
		return c > 0 // the most recently edited version wins
	}
	return a.Text > b.Text
}

// build resolves a raw message's attachment references against the
// materializer result.
func build(m source.RawMessage, att attach.Result) Message {
	msg := Message{
		ConversationID: m.ConversationID,
		ID:             m.ID,
		Token:          m.Token,
		Timestamp:      m.Timestamp,
		Author:         m.AuthorName,
		Text:           m.Text,
		Edited:         m.Edited,
	}
	if msg.Author == "" {
		msg.Author = m.AuthorID
	}
	for _, ref := range m.Attachments {
		if staged, ok := att.Staged[ref.ID]; ok {
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: ref.Filename,
				Hash:     staged.Hash,
				Size:     ref.Size,
				Path:     staged.Path(),
			})
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename: ref.Filename,
			Size:     ref.Size,
			Failed:   true,
		})
	}
	return msg
}

// group splits sorted messages into documents per the chunking option.
func group(msgs []Message, opts Options) []Document {
	if len(msgs) == 0 {
		return nil
	}

	stem := opts.FileStem
	if stem == "" {
		stem = msgs[0].ConversationID
	}
	title := opts.Title
	if title == "" {
		title = "Conversation " + msgs[0].ConversationID
	}

	if !opts.ChunkByDay {
		return []Document{{
			Path:     sanitizeStem(stem) + ".md",
			Title:    title,
			Messages: msgs,
		}}
	}

	var docs []Document
	var cur *Document
	for _, m := range msgs {
		day := m.Timestamp.UTC().Format("2006-01-02")
		path := day + ".md"
		if cur == nil || cur.Path != path {
			docs = append(docs, Document{
				Path:  path,
				Title: title + " — " + day,
			})
			cur = &docs[len(docs)-1]
		}
		cur.Messages = append(cur.Messages, m)
	}
	return docs
}

// sanitizeStem keeps a configured file stem to one safe path segment.
func sanitizeStem(stem string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(stem)
}
