package webhook

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/logbookhq/logbook/internal/models"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"gorm.io/gorm"
)

// handleSlackPush verifies, parses, and records one Slack Events API request.
// It only validates the mapping and writes an audit row; fetching and
// committing are deferred to the next sweep so the response stays sub-second
// regardless of conversation size.
func handleSlackPush(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, "read body")
			return
		}

		verifier, err := slack.NewSecretsVerifier(c.Request.Header, opts.SigningSecret)
		if err != nil {
			c.String(http.StatusUnauthorized, "bad signature headers")
			return
		}
		if _, err := verifier.Write(body); err != nil {
			c.String(http.StatusInternalServerError, "verify")
			return
		}
		if err := verifier.Ensure(); err != nil {
			c.String(http.StatusUnauthorized, "signature mismatch")
			return
		}

		event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			if !json.Valid(body) {
				c.String(http.StatusBadRequest, "parse event")
				return
			}
			// Valid JSON but an event variant we do not know. Record it and
			// ack so Slack does not retry.
			log.Printf("webhook: unrecognized event: %v", err)
			recordEvent(opts.DB, opts.Retention, models.WebhookEvent{
				EventType:    models.EventPushUnknown,
				Success:      true,
				ErrorMessage: err.Error(),
				DurationMs:   time.Since(started).Milliseconds(),
			})
			c.String(http.StatusOK, "ignored")
			return
		}

		switch event.Type {
		case slackevents.URLVerification:
			var challenge slackevents.ChallengeResponse
			if err := json.Unmarshal(body, &challenge); err != nil {
				c.String(http.StatusBadRequest, "parse challenge")
				return
			}
			// Slack sends this once when the endpoint is registered.
			recordEvent(opts.DB, opts.Retention, models.WebhookEvent{
				EventType:  models.EventPushReceived,
				Success:    true,
				DurationMs: time.Since(started).Milliseconds(),
			})
			c.String(http.StatusOK, challenge.Challenge)
			return

		case slackevents.CallbackEvent:
			requestID := ""
			if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok && cb != nil {
				requestID = cb.EventID
			}
			recordPush(c, opts, requestID, event.InnerEvent, started)
			c.String(http.StatusOK, "ok")

		default:
			log.Printf("webhook: unrecognized outer event type %q", event.Type)
			recordEvent(opts.DB, opts.Retention, models.WebhookEvent{
				EventType:    models.EventPushUnknown,
				Success:      true,
				ErrorMessage: "outer event type: " + event.Type,
				DurationMs:   time.Since(started).Milliseconds(),
			})
			c.String(http.StatusOK, "ignored")
		}
	}
}

// recordPush resolves the mapping for a callback event and writes the audit
// row. Unknown inner event variants are recorded and skipped, never dropped
// silently and never an error.
func recordPush(c *gin.Context, opts StartOpts, requestID string, inner slackevents.EventsAPIInnerEvent, started time.Time) {
	conversationID := ""
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		conversationID = ev.Channel
	case *slackevents.AppMentionEvent:
		conversationID = ev.Channel
	default:
		log.Printf("webhook: unrecognized inner event type %q", inner.Type)
		recordEvent(opts.DB, opts.Retention, models.WebhookEvent{
			RequestID:    requestID,
			EventType:    models.EventPushUnknown,
			Success:      true,
			ErrorMessage: "inner event type: " + inner.Type,
			DurationMs:   time.Since(started).Milliseconds(),
		})
		return
	}

	m, found, err := opts.Resolver.Resolve(c.Request.Context(), conversationID)
	event := models.WebhookEvent{
		RequestID:      requestID,
		ConversationID: conversationID,
		DurationMs:     time.Since(started).Milliseconds(),
	}
	switch {
	case err != nil:
		log.Printf("webhook: resolve %s: %v", conversationID, err)
		event.EventType = models.EventPushError
		event.ErrorMessage = err.Error()
	case !found:
		event.EventType = models.EventPushUnmapped
		event.Success = true
	default:
		event.EventType = models.EventPushMapped
		event.Success = true
		event.Repo = m.RepoSlug()
		event.Branch = m.Branch
		event.Folder = m.Folder
	}
	recordEvent(opts.DB, opts.Retention, event)
}

func recordEvent(db *gorm.DB, retention time.Duration, event models.WebhookEvent) {
	now := time.Now().UTC()
	event.CreatedAt = now
	event.ExpiresAt = now.Add(retention)
	if err := db.Create(&event).Error; err != nil {
		log.Printf("webhook: record event: %v", err)
	}
}
