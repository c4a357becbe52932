// Package extract asks a completion service for meetings and tasks and turns
// its unreliable replies into raw records.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"slackcal/internal/log"
	"slackcal/internal/metrics"
	"slackcal/internal/model"
	"slackcal/internal/normalize"
)

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 2 * time.Second
)

// Completer sends one system instruction plus user payload and returns the
// model's text reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// TransientError marks a failure worth retrying: rate limits, 5xx
// responses, network faults.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient completion error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient completion error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "temporarily unavailable")
}

type Client struct {
	completer  Completer
	loc        *time.Location
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithTimezone sets the zone the model is told to answer in.
func WithTimezone(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRetries sets the retry bound and the first backoff step. Each further
// step doubles.
func WithRetries(max int, base time.Duration) Option {
	return func(c *Client) {
		if max >= 0 {
			c.maxRetries = max
		}
		if base > 0 {
			c.backoff = base
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func New(c Completer, opts ...Option) *Client {
	cl := &Client{
		completer:  c,
		loc:        time.UTC,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBaseBackoff,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extract submits candidates for kind and parses the reply. An empty result
// with a nil error means nothing was found; a non-nil error means the
// service failed and the batch should be retried later.
func (c *Client) Extract(ctx context.Context, candidates []model.SourceMessage, kind model.Kind) ([]RawRecord, error) {
	if len(candidates) == 0 {
		return []RawRecord{}, nil
	}

	payload, err := normalize.PromptJSON(candidates)
	if err != nil {
		return nil, fmt.Errorf("encode candidates: %w", err)
	}
	system := Instruction(kind, c.now().In(c.loc))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			metrics.Get().CompletionRetries.Inc()
			log.Warn("retrying completion", "kind", kind, "attempt", attempt, "wait", wait.String(), "err", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		reply, err := c.completer.Complete(ctx, system, payload)
		if err == nil {
			recs := ParseRecords(reply)
			log.Debug("completion parsed", "kind", kind, "records", len(recs), "candidates", len(candidates))
			return recs, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, fmt.Errorf("complete %s: %w", kind, err)
		}
	}
	return nil, fmt.Errorf("complete %s: max retries exceeded: %w", kind, lastErr)
}

// Instruction is the system prompt for kind, anchored on today in the zone
// of now.
func Instruction(kind model.Kind, now time.Time) string {
	zone := now.Location().String()
	today := now.Format(model.DateLayout)

	var b strings.Builder
	if kind == model.KindTask {
		b.WriteString("We have this conversation in a JSON format. Your task is to determine tasks that are mentioned or assigned in the messages. ")
		b.WriteString("For each task you find, return a JSON object (or multiple objects). Each object must have five keys: ")
		fmt.Fprintf(&b, "`date_of_meeting` (the task due date in ISO8601 YYYY-MM-DD). If no date is mentioned, use the current date, %s. ", today)
		fmt.Fprintf(&b, "`start_time` (the due time in 24-hour HH:MM, %s). If no time is mentioned, use 23:59. ", zone)
		b.WriteString("`end_time` equal to start_time. ")
		b.WriteString("`description` (a short summary of the task, at most 20 words). ")
		b.WriteString("`title` (a short title for the task). ")
		b.WriteString("Return multiple JSON objects if multiple tasks are present. Do not include any additional text or explanation, only the JSON objects.")
		return b.String()
	}

	b.WriteString("We have this conversation in a JSON format. Your task is to determine when a meeting should be scheduled, based on the messages. ")
	b.WriteString("If multiple meetings are mentioned, return one JSON object per meeting. Return JSON objects and nothing else. Each object must have five keys: ")
	fmt.Fprintf(&b, "`date_of_meeting` whose value is the agreed date in ISO8601 format YYYY-MM-DD. If no date is mentioned, use the current date, %s. ", today)
	fmt.Fprintf(&b, "`start_time` whose value is the agreed start time in 24-hour HH:MM format in %s. Leave it empty if only a relative time was given. ", zone)
	fmt.Fprintf(&b, "`end_time` whose value is the agreed end time in HH:MM format in %s. If nothing is agreed, assume a duration of 30 minutes. ", zone)
	b.WriteString("`description` whose value summarizes what the meeting is about in at most 20 words, or is empty. ")
	b.WriteString("`title` whose value is a title of a few words, derived from the description if needed. ")
	b.WriteString("If no meeting is discussed, return an empty JSON array. Do not include any extra text, explanation, or formatting, only the JSON objects.")
	return b.String()
}
