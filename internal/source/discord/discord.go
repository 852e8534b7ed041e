// Package discord implements the source Adapter for Discord over the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/logbookhq/logbook/internal/backoff"
	"github.com/logbookhq/logbook/internal/source"
)

const defaultPageSize = 100 // Discord's hard maximum for channel messages

// restClient abstracts the discordgo methods we use, enabling test mocks.
type restClient interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Adapter implements source.Adapter for Discord. History is paginated with
// the after-ID form, which maps directly onto the watermark model: snowflake
// IDs are the ordering tokens.
type Adapter struct {
	client   restClient
	httpc    *http.Client
	pageSize int
	policy   backoff.Policy
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	PageSize int
	Policy   backoff.Policy
	// For testing: inject a mock client instead of a discordgo session.
	Client     restClient
	HTTPClient *http.Client
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		client:   opts.Client,
		httpc:    opts.HTTPClient,
		pageSize: opts.PageSize,
		policy:   opts.Policy,
	}
	if a.client == nil {
		session, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		a.client = session
	}
	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if a.pageSize <= 0 || a.pageSize > defaultPageSize {
		a.pageSize = defaultPageSize
	}
	if a.policy.MaxAttempts == 0 {
		a.policy = backoff.Default()
	}
	return a, nil
}

// Platform returns the mapping platform key.
func (a *Adapter) Platform() string { return "discord" }

// History returns a lazy stream over the channel messages endpoint. The
// cursor is the highest snowflake seen so far; an empty afterToken starts
// from snowflake zero, i.e. the beginning of the channel. Each after-ID page
// covers the next snowflake window above the cursor, so a partial read is
// always a contiguous range above afterToken and safe to commit.
func (a *Adapter) History(ctx context.Context, conversationID, afterToken string) *source.Stream {
	return source.NewContiguousStream(func(ctx context.Context, cursor string) (source.Page, error) {
		after := cursor
		if after == "" {
			after = afterToken
		}
		if after == "" {
			after = "0"
		}

		var msgs []*discordgo.Message
		err := backoff.Retry(ctx, a.policy, func() (time.Duration, error) {
			var apiErr error
			msgs, apiErr = a.client.ChannelMessages(conversationID, a.pageSize, "", after, "", discordgo.WithContext(ctx))
			return classify(apiErr)
		})
		if err != nil {
			return source.Page{}, fmt.Errorf("discord: channel messages %s: %w", conversationID, err)
		}

		page := source.Page{HasMore: len(msgs) == a.pageSize}
		next := after
		for _, m := range msgs {
			raw := convert(conversationID, m)
			page.Messages = append(page.Messages, raw)
			next = source.MaxToken(next, raw.Token)
		}
		if page.HasMore {
			page.Cursor = next
		}
		return page, nil
	})
}

// DownloadAttachment fetches an attachment from the Discord CDN. CDN URLs
// are pre-signed, so no auth header is needed.
func (a *Adapter) DownloadAttachment(ctx context.Context, ref source.AttachmentRef) ([]byte, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("discord: attachment %s has no download URL", ref.ID)
	}

	var body []byte
	err := backoff.Retry(ctx, a.policy, func() (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return 0, &backoff.Permanent{Err: err}
		}
		resp, err := a.httpc.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return 0, fmt.Errorf("status %d", resp.StatusCode)
		default:
			return 0, &backoff.Permanent{Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		body, err = io.ReadAll(resp.Body)
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", ref.Filename, err)
	}
	return body, nil
}

// convert maps a Discord message to the platform-neutral form.
func convert(conversationID string, m *discordgo.Message) source.RawMessage {
	raw := source.RawMessage{
		ConversationID: conversationID,
		ID:             m.ID,
		Token:          m.ID,
		Text:           m.Content,
		Edited:         m.EditedTimestamp != nil,
	}
	if m.EditedTimestamp != nil {
		// Edit times only ever compete with other edits of the same message,
		// so plain microseconds order correctly alongside snowflake tokens.
		raw.EditedToken = strconv.FormatInt(m.EditedTimestamp.UnixMicro(), 10)
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		raw.Timestamp = ts.UTC()
	}
	if m.Author != nil {
		raw.AuthorID = m.Author.ID
		raw.AuthorName = m.Author.Username
		if m.Author.GlobalName != "" {
			raw.AuthorName = m.Author.GlobalName
		}
	}
	for _, att := range m.Attachments {
		raw.Attachments = append(raw.Attachments, source.AttachmentRef{
			ID:       att.ID,
			Filename: att.Filename,
			Size:     int64(att.Size),
			URL:      att.URL,
		})
	}
	return raw
}

// classify maps a discordgo error onto the retry policy. discordgo already
// waits out 429s internally, so only 5xx responses are treated as transient
// here; everything else is permanent.
func classify(err error) (time.Duration, error) {
	if err == nil {
		return 0, nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode >= 500 {
		return 0, err
	}
	if errors.As(err, &rest) {
		return 0, &backoff.Permanent{Err: err}
	}
	// Transport-level failure (timeout, connection reset): transient.
	return 0, err
}
