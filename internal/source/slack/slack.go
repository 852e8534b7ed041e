// Package slack implements the source Adapter for Slack over the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/logbookhq/logbook/internal/backoff"
	"github.com/logbookhq/logbook/internal/source"
	slackapi "github.com/slack-go/slack"
)

const defaultPageSize = 200

// historyClient abstracts the Slack API methods we use, enabling test mocks.
type historyClient interface {
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
}

// Adapter implements source.Adapter for Slack.
type Adapter struct {
	client   historyClient
	httpc    *http.Client
	botToken string
	pageSize int
	policy   backoff.Policy

	mu        sync.Mutex
	userNames map[string]string // user ID -> display name cache
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken string // xoxb-... Slack bot token
	PageSize int    // history page size (default 200)
	Policy   backoff.Policy
	// For testing: inject mock clients instead of real Slack API.
	Client     historyClient
	HTTPClient *http.Client
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}

	a := &Adapter{
		client:    opts.Client,
		httpc:     opts.HTTPClient,
		botToken:  opts.BotToken,
		pageSize:  opts.PageSize,
		policy:    opts.Policy,
		userNames: make(map[string]string),
	}
	if a.client == nil {
		a.client = slackapi.New(opts.BotToken)
	}
	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if a.pageSize <= 0 {
		a.pageSize = defaultPageSize
	}
	if a.policy.MaxAttempts == 0 {
		a.policy = backoff.Default()
	}
	return a, nil
}

// Platform returns the mapping platform key.
func (a *Adapter) Platform() string { return "slack" }

// History returns a lazy stream over conversations.history, paginating with
// the response cursor. afterToken maps to the oldest parameter (exclusive),
// so only messages with strictly greater timestamps are returned. Pages
// arrive newest-first, so the stream does not claim contiguous delivery: a
// mid-pagination failure leaves the newest window in hand, not a range
// starting at afterToken.
func (a *Adapter) History(ctx context.Context, conversationID, afterToken string) *source.Stream {
	return source.NewStream(func(ctx context.Context, cursor string) (source.Page, error) {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: conversationID,
			Cursor:    cursor,
			Limit:     a.pageSize,
			Oldest:    afterToken,
			Inclusive: false,
		}

		var resp *slackapi.GetConversationHistoryResponse
		err := backoff.Retry(ctx, a.policy, func() (time.Duration, error) {
			var apiErr error
			resp, apiErr = a.client.GetConversationHistoryContext(ctx, params)
			return classify(apiErr)
		})
		if err != nil {
			return source.Page{}, fmt.Errorf("slack: conversation history %s: %w", conversationID, err)
		}

		page := source.Page{
			Cursor:  resp.ResponseMetaData.NextCursor,
			HasMore: resp.HasMore,
		}
		for _, m := range resp.Messages {
			page.Messages = append(page.Messages, a.convert(ctx, conversationID, m))
		}
		return page, nil
	})
}

// DownloadAttachment fetches a file via its private URL with bearer auth.
func (a *Adapter) DownloadAttachment(ctx context.Context, ref source.AttachmentRef) ([]byte, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("slack: attachment %s has no download URL", ref.ID)
	}

	var body []byte
	err := backoff.Retry(ctx, a.policy, func() (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return 0, &backoff.Permanent{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+a.botToken)

		resp, err := a.httpc.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			return retryAfter(resp), fmt.Errorf("rate limited")
		case resp.StatusCode >= 500:
			return 0, fmt.Errorf("server error %d", resp.StatusCode)
		default:
			return 0, &backoff.Permanent{Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		body, err = io.ReadAll(resp.Body)
		return 0, err
	})
	if err != nil {
		return nil, fmt.Errorf("slack: download %s: %w", ref.Filename, err)
	}
	return body, nil
}

// convert maps a Slack history message to the platform-neutral form.
func (a *Adapter) convert(ctx context.Context, conversationID string, m slackapi.Message) source.RawMessage {
	raw := source.RawMessage{
		ConversationID: conversationID,
		ID:             m.Timestamp, // Slack's ts doubles as the message id
		Token:          m.Timestamp,
		Timestamp:      parseTimestamp(m.Timestamp),
		AuthorID:       m.User,
		Text:           m.Text,
		Edited:         m.Edited != nil,
		Deleted:        m.SubType == "tombstone" || m.SubType == "message_deleted",
	}
	if m.Edited != nil {
		raw.EditedToken = m.Edited.Timestamp
	}

	switch {
	case m.User != "":
		raw.AuthorName = a.resolveUserName(ctx, m.User)
	case m.Username != "":
		raw.AuthorName = m.Username
	case m.BotID != "":
		raw.AuthorID = m.BotID
		raw.AuthorName = m.BotID
	}

	for _, f := range m.Files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		raw.Attachments = append(raw.Attachments, source.AttachmentRef{
			ID:       f.ID,
			Filename: f.Name,
			Size:     int64(f.Size),
			URL:      url,
		})
	}
	return raw
}

// resolveUserName looks up a user's display name, caching results for the
// lifetime of the adapter. Falls back to the user ID.
func (a *Adapter) resolveUserName(ctx context.Context, userID string) string {
	a.mu.Lock()
	if name, ok := a.userNames[userID]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	name := userID
	user, err := a.client.GetUserInfoContext(ctx, userID)
	if err == nil {
		if user.Profile.DisplayName != "" {
			name = user.Profile.DisplayName
		} else if user.RealName != "" {
			name = user.RealName
		}
	}

	a.mu.Lock()
	a.userNames[userID] = name
	a.mu.Unlock()
	return name
}

// classify maps a Slack API error onto the retry policy: rate limits carry
// their Retry-After as the suggested wait, 5xx responses are transient, and
// everything else (auth failures, bad channel) is permanent.
func classify(err error) (time.Duration, error) {
	if err == nil {
		return 0, nil
	}
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, err
	}
	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) && sce.Code >= 500 {
		return 0, err
	}
	return 0, &backoff.Permanent{Err: err}
}

// parseTimestamp converts a Slack timestamp (e.g. "1234567890.123456") to a
// time.Time in UTC.
func parseTimestamp(ts string) time.Time {
	intPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micro int64
	if fracPart != "" {
		if v, err := strconv.ParseInt(fracPart, 10, 64); err == nil && len(fracPart) <= 6 {
			micro = v
			for i := len(fracPart); i < 6; i++ {
				micro *= 10
			}
		}
	}
	return time.Unix(sec, micro*1000).UTC()
}

// retryAfter parses the Retry-After header of a throttled download response.
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
