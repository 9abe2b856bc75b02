// Package slack implements ingress.ChannelAdapter for Slack's Events API.
// Grounded on
// _examples/original_source/server/slack_handler.py's verify_slack_signature
// (v0 HMAC-SHA256 basestring, 5-minute replay window), parse_webhook (URL
// verification short-circuit, bot-echo and non-message filtering), and
// post_message, translated onto slack-go/slack's WebClient instead of a raw
// httpx.Client.
package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/ingress"
)

// ReplayWindow is the maximum age of a request timestamp Slack's signature
// scheme tolerates (spec.md §4.8: "replay-window enforcement").
const ReplayWindow = 5 * time.Minute

type eventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		BotID   string `json:"bot_id"`
		Text    string `json:"text"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"event"`
}

// Adapter is the Slack concrete ChannelAdapter.
type Adapter struct {
	signingSecret string
	botToken      string
	client        *slack.Client
}

// New builds a Slack adapter bound to one workspace's signing secret and
// bot token.
func New(signingSecret, botToken string) *Adapter {
	return &Adapter{
		signingSecret: signingSecret,
		botToken:      botToken,
		client:        slack.New(botToken),
	}
}

func (a *Adapter) Name() string { return "slack" }

// Parse verifies the request signature and normalizes a message event.
// url_verification and non-message events return (nil, nil), which the
// ingress router answers with a bare 200 without starting a run.
func (a *Adapter) Parse(_ context.Context, r *http.Request, _ string) (*ingress.Event, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "read slack webhook body failed")
	}

	var payload eventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid slack webhook json")
	}

	if payload.Type == "url_verification" {
		return nil, nil
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if !verifySignature(raw, timestamp, signature, a.signingSecret) {
		return nil, apperrors.New(apperrors.ErrorTypeAuth, "invalid slack signature")
	}

	if payload.Event.BotID != "" || payload.Event.Subtype == "bot_message" {
		return nil, nil
	}
	if payload.Event.Type != "message" {
		return nil, nil
	}
	text := strings.TrimSpace(payload.Event.Text)
	if text == "" {
		return nil, nil
	}

	return &ingress.Event{
		Source:      "slack",
		Requirement: text,
		SenderID:    payload.Event.User,
		ReplyRef: map[string]string{
			"channel":   payload.Event.Channel,
			"thread_ts": payload.Event.TS,
		},
		RawPayload: json.RawMessage(raw),
	}, nil
}

func (a *Adapter) SendProgress(_ context.Context, replyRef map[string]string, text string) error {
	return a.post(replyRef, text)
}

func (a *Adapter) SendResult(_ context.Context, replyRef map[string]string, runID, status, detail string) error {
	text := fmt.Sprintf("*Run completed*\n- Run ID: `%s`\n- Status: `%s`", runID, status)
	if detail != "" {
		text += "\n- Detail: " + truncate(detail, 500)
	}
	return a.post(replyRef, text)
}

func (a *Adapter) post(replyRef map[string]string, text string) error {
	channel := replyRef["channel"]
	if channel == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "slack reply missing channel")
	}
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts := replyRef["thread_ts"]; ts != "" {
		options = append(options, slack.MsgOptionTS(ts))
	}
	_, _, err := a.client.PostMessage(channel, options...)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "slack post message failed")
	}
	return nil
}

// verifySignature re-implements Slack's v0 HMAC-SHA256 signing scheme with
// replay protection.
func verifySignature(rawBody []byte, timestamp, signature, secret string) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(time.Now().Unix())-ts) > ReplayWindow.Seconds() {
		return false
	}
	baseString := "v0:" + timestamp + ":" + string(rawBody)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(baseString))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
