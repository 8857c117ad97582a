// Package rating fetches players' current performance points from the
// osu! API v2 using the client-credentials grant.
package rating

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultBaseURL = "https://osu.ppy.sh"

// OsuClient implements rival.RatingProvider. Lookups are read-only and
// safe to retry per item; transient HTTP failures are retried with
// exponential backoff before being reported.
type OsuClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*OsuClient)

func WithBaseURL(u string) Option {
	return func(c *OsuClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *OsuClient) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *OsuClient) { c.retryMax = max }
}

func NewOsuClient(clientID, clientSecret string, opts ...Option) (*OsuClient, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, fmt.Errorf("osu client credentials are required")
	}
	c := &OsuClient{
		baseURL:        defaultBaseURL,
		clientID:       clientID,
		clientSecret:   clientSecret,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type userResponse struct {
	Statistics struct {
		PP float64 `json:"pp"`
	} `json:"statistics"`
}

// CurrentPP returns the player's current PP rounded to an int.
func (c *OsuClient) CurrentPP(ctx context.Context, player string) (int, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return 0, err
	}
	var user userResponse
	path := fmt.Sprintf("/api/v2/users/%s/osu?key=id", strings.TrimSpace(player))
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, tok, nil, &user); err != nil {
		return 0, fmt.Errorf("fetch pp for %s: %w", player, err)
	}
	return int(math.Round(user.Statistics.PP)), nil
}

func (c *OsuClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	body := map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"grant_type":    "client_credentials",
		"scope":         "public",
	}
	var tok tokenResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/oauth/token", "", body, &tok); err != nil {
		return "", fmt.Errorf("osu token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("osu token: empty access_token")
	}
	c.token = tok.AccessToken
	// Refresh a minute early to avoid using a token at the edge.
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *OsuClient) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
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
		deadline := c.computeDeadline(ctx)
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
			lastErr = fmt.Errorf("osu api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
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

func (c *OsuClient) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
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
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
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
