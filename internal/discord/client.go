// Package discord holds the thin Discord integration: a REST client for
// messages and DM prompts, and a gateway listener for button interactions.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kapu/osu-rivals-bot/internal/rival"
)

const apiBase = "https://discord.com/api/v10"

// Client is a minimal Discord REST client over fasthttp. It covers only
// the calls the rivalry flow needs: channel messages, message edits and
// DM prompts with accept/decline buttons.
type Client struct {
	token string
	http  *fasthttp.Client

	timeout  time.Duration
	retryMax int
}

func NewClient(token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &Client{
		token:    token,
		http:     &fasthttp.Client{ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second, MaxConnsPerHost: 16},
		timeout:  10 * time.Second,
		retryMax: 3,
	}, nil
}

type messagePayload struct {
	Content    string         `json:"content"`
	Components []actionRow    `json:"components,omitempty"`
}

type actionRow struct {
	Type       int      `json:"type"`
	Components []button `json:"components"`
}

type button struct {
	Type     int    `json:"type"`
	Style    int    `json:"style"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

type messageResponse struct {
	ID string `json:"id"`
}

type dmChannelResponse struct {
	ID string `json:"id"`
}

// SendMessage posts content to a channel and returns the message id.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	var msg messageResponse
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	err := c.doJSON(ctx, fasthttp.MethodPost, path, messagePayload{Content: content}, &msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces the content of an existing message. A deleted or
// unknown message maps to rival.ErrMessageNotFound so callers can fall
// back to sending a fresh one.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	err := c.doJSON(ctx, fasthttp.MethodPatch, path, messagePayload{Content: content}, nil)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.code == fasthttp.StatusNotFound {
			return rival.ErrMessageNotFound
		}
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// SendPrompt opens a DM with the challenged player and delivers the
// challenge prompt with accept/decline buttons. Users who block DMs make
// the message create fail with 403; that error is returned so the caller
// can revoke the challenge.
func (c *Client) SendPrompt(ctx context.Context, userID, challengeID, content string) error {
	var dm dmChannelResponse
	err := c.doJSON(ctx, fasthttp.MethodPost, "/users/@me/channels",
		map[string]string{"recipient_id": userID}, &dm)
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", userID, err)
	}

	payload := messagePayload{
		Content: content,
		Components: []actionRow{{
			Type: 1,
			Components: []button{
				{Type: 2, Style: 3, Label: "Accept", CustomID: CustomID(challengeID, rival.ActionAccept)},
				{Type: 2, Style: 4, Label: "Decline", CustomID: CustomID(challengeID, rival.ActionDecline)},
			},
		}},
	}
	path := fmt.Sprintf("/channels/%s/messages", dm.ID)
	if err := c.doJSON(ctx, fasthttp.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("send prompt to %s: %w", userID, err)
	}
	return nil
}

// AckInteraction answers a button press with a deferred update so the
// client does not show "interaction failed".
func (c *Client) AckInteraction(ctx context.Context, interactionID, interactionToken string) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", interactionID, interactionToken)
	// type 6 = DEFERRED_UPDATE_MESSAGE
	err := c.doJSON(ctx, fasthttp.MethodPost, path, map[string]int{"type": 6}, nil)
	if err != nil {
		return fmt.Errorf("ack interaction: %w", err)
	}
	return nil
}

// CustomID builds the component id carried on prompt buttons.
func CustomID(challengeID string, action rival.Action) string {
	return "challenge::" + challengeID + "::" + string(action)
}

// ParseCustomID is the inverse of CustomID. The second return is false
// for ids that do not belong to the rivalry flow.
func ParseCustomID(id string) (rival.Event, bool) {
	parts := strings.Split(id, "::")
	if len(parts) != 3 || parts[0] != "challenge" {
		return rival.Event{}, false
	}
	action := rival.Action(parts[2])
	if action != rival.ActionAccept && action != rival.ActionDecline {
		return rival.Event{}, false
	}
	return rival.Event{ChallengeID: parts[1], Action: action}, true
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("discord api error: status=%d body=%s", e.code, e.body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(apiBase + path)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bot "+c.token)
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := time.Now().Add(c.timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = &statusError{code: status, body: truncate(string(resp.Body()), 512)}
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
