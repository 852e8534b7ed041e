// Package source abstracts chat platforms (Slack, Discord) behind one
// history-fetching interface.
package source

import (
	"context"
	"time"
)

// AttachmentRef identifies a platform attachment without carrying its bytes.
// Downloading is deferred so history pagination stays fast and memory-bounded.
type AttachmentRef struct {
	ID       string
	Filename string
	Size     int64
	URL      string
}

// RawMessage is one platform message as fetched, before normalization.
// Duplicates across pages are possible and tolerated downstream.
type RawMessage struct {
	ConversationID string
	ID             string    // platform-native message id, the dedup key
	Token          string    // ordering token, comparable via CompareTokens
	Timestamp      time.Time // wall-clock time derived from the token
	AuthorID       string
	AuthorName     string
	Text           string
	Edited         bool
	EditedToken    string // ordering token of the last edit, "" if never edited
	Deleted        bool
	Attachments    []AttachmentRef
}

// Page is one fetched page of raw messages plus the continuation cursor.
type Page struct {
	Messages []RawMessage
	Cursor   string
	HasMore  bool
}

// PageFunc fetches one page. An empty cursor requests the first page.
type PageFunc func(ctx context.Context, cursor string) (Page, error)

// Adapter is implemented once per chat platform.
type Adapter interface {
	// Platform returns the mapping platform key ("slack", "discord").
	Platform() string

	// History returns a lazy stream of messages for the conversation with
	// ordering tokens strictly greater than afterToken. An empty afterToken
	// means beginning of time.
	History(ctx context.Context, conversationID, afterToken string) *Stream

	// DownloadAttachment fetches one attachment's bytes.
	DownloadAttachment(ctx context.Context, ref AttachmentRef) ([]byte, error)
}

// Stream is a pull-based lazy sequence of raw messages. It fetches upstream
// pages on demand, so consumers drive pagination without knowing about it.
type Stream struct {
	fetch      PageFunc
	contiguous bool
	buf        []RawMessage
	cursor     string
	done       bool
}

// NewStream wraps a page fetcher in a pull-based stream. A partially read
// stream makes no ordering promise: a fetch error mid-pagination may leave
// the consumer holding the newest window (Slack's cursor pages arrive
// newest-first), so partial reads must be discarded, not committed.
func NewStream(fetch PageFunc) *Stream {
	return &Stream{fetch: fetch}
}

// NewContiguousStream wraps a page fetcher whose pages cover strictly
// ascending token windows starting at the fetch bound (Discord's after-ID
// form). At any point of failure the delivered set is a contiguous range
// above that bound, so consumers may commit a partial read and resume later
// from its highest token.
func NewContiguousStream(fetch PageFunc) *Stream {
	return &Stream{fetch: fetch, contiguous: true}
}

// Contiguous reports whether a partial read of the stream is guaranteed to
// be a gapless token range starting at the fetch bound.
func (s *Stream) Contiguous() bool { return s.contiguous }

// Next returns the next message. ok is false when the stream is exhausted.
// A fetch error terminates the stream; messages already buffered before the
// failing page have all been delivered. Whether that partial read is safe to
// keep is the stream's Contiguous property.
func (s *Stream) Next(ctx context.Context) (RawMessage, bool, error) {
	for len(s.buf) == 0 {
		if s.done {
			return RawMessage{}, false, nil
		}
		page, err := s.fetch(ctx, s.cursor)
		if err != nil {
			s.done = true
			return RawMessage{}, false, err
		}
		s.buf = append(s.buf, page.Messages...)
		s.cursor = page.Cursor
		if !page.HasMore || page.Cursor == "" {
			s.done = true
		}
	}
	msg := s.buf[0]
	s.buf = s.buf[1:]
	return msg, true, nil
}

// Collect drains the stream into a slice. Returns the messages read so far
// alongside any fetch error.
func (s *Stream) Collect(ctx context.Context) ([]RawMessage, error) {
	var msgs []RawMessage
	for {
		msg, ok, err := s.Next(ctx)
		if err != nil {
			return msgs, err
		}
		if !ok {
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}
}
