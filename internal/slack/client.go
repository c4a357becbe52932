// Package slack is a small Slack Web API client covering what the service
// reads and posts: member channels, channel history, channel members and
// chat messages.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "slackcal/internal/log"
	"slackcal/internal/model"
)

const (
	DefaultBaseURL = "https://slack.com/api"
	defaultTimeout = 60 * time.Second
	pageLimit      = 200

	// Tier 3 methods allow roughly 50 calls per minute.
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// RawMessage is one conversations.history entry, left untyped so the
// normalizer decides what counts as a user message.
type RawMessage = map[string]any

// APIError is an ok=false reply from the Web API.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// ErrRateLimited is returned when Slack answers 429.
var ErrRateLimited = errors.New("slack rate limited")

type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}, nil
}

type envelope struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	HasMore  bool   `json:"has_more"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("slack %s: read body: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return envelope{}, fmt.Errorf("slack %s: %w (retry after %ds)", method, ErrRateLimited, retry)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, fmt.Errorf("slack %s: %s", method, resp.Status)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if !env.OK {
		return env, &APIError{Method: method, Code: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return env, fmt.Errorf("slack %s: decode: %w", method, err)
		}
	}
	return env, nil
}

// ListChannels returns the ids of non-archived public and private channels
// the bot is a member of.
func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		params := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {strconv.Itoa(pageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Channels []struct {
				ID       string `json:"id"`
				IsMember bool   `json:"is_member"`
			} `json:"channels"`
		}
		env, err := c.call(ctx, "conversations.list", params, &page)
		if err != nil {
			return nil, err
		}
		for _, ch := range page.Channels {
			if ch.IsMember {
				ids = append(ids, ch.ID)
			}
		}
		cursor = env.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}
	appLog.Debug("slack member channels", "count", len(ids))
	return ids, nil
}

// FetchMessages pages through channel history newer than since. A zero
// since reads the whole history.
func (c *Client) FetchMessages(ctx context.Context, channelID string, since time.Time) ([]RawMessage, error) {
	var out []RawMessage
	cursor := ""
	for {
		params := url.Values{
			"channel": {channelID},
			"limit":   {strconv.Itoa(pageLimit)},
		}
		if !since.IsZero() {
			params.Set("oldest", model.FormatTimestamp(since))
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Messages []RawMessage `json:"messages"`
		}
		env, err := c.call(ctx, "conversations.history", params, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Messages...)

		cursor = env.Metadata.NextCursor
		if !env.HasMore || cursor == "" {
			break
		}
	}
	appLog.Debug("slack history fetched", "channel", channelID, "messages", len(out))
	return out, nil
}

// ListMembers returns the user ids of a channel.
func (c *Client) ListMembers(ctx context.Context, channelID string) ([]string, error) {
	var members []string
	cursor := ""
	for {
		params := url.Values{
			"channel": {channelID},
			"limit":   {strconv.Itoa(pageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			Members []string `json:"members"`
		}
		env, err := c.call(ctx, "conversations.members", params, &page)
		if err != nil {
			return nil, err
		}
		members = append(members, page.Members...)
		cursor = env.Metadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return members, nil
}

// PostMessage sends text to a channel with link and media unfurling off.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	params := url.Values{
		"channel":      {channelID},
		"text":         {text},
		"unfurl_links": {"false"},
		"unfurl_media": {"false"},
	}
	_, err := c.call(ctx, "chat.postMessage", params, nil)
	return err
}
