// Package assistant talks to the OpenAI Assistants API on behalf of a tenant.
package assistant

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/guonaihong/gout/dataflow"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrTimeout means the run did not finish within the poll budget.
	ErrTimeout = errors.New("assistant run timed out")
	// ErrRefused means the run ended without completing or the API rejected the request.
	ErrRefused = errors.New("assistant run refused")
	// ErrEmptyReply means the run completed but left no assistant message.
	ErrEmptyReply = errors.New("assistant produced no reply")
	// ErrThreadNotFound means the remote thread no longer exists.
	ErrThreadNotFound = errors.New("assistant thread not found")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Credentials are the per tenant AI settings.
type Credentials struct {
	APIKey      string
	AssistantID string
}

// Generator is the AI collaborator used by the message pipeline.
type Generator interface {
	CreateThread(ctx context.Context, creds Credentials) (string, error)
	ThreadExists(ctx context.Context, creds Credentials, threadID string) (bool, error)
	Generate(ctx context.Context, creds Credentials, threadID, text string) (string, error)
}

// Options bounds the run polling. TotalTimeout caps the whole Generate call
// including the message and run creation requests.
type Options struct {
	APIBase        string
	PollInterval   time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
	TotalTimeout   time.Duration
}

// Client implements Generator over HTTP with gout.
type Client struct {
	opts       Options
	apiBase    string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	if opts.APIBase == "" {
		opts.APIBase = "https://api.openai.com/v1"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = opts.PollInterval*time.Duration(opts.MaxAttempts) + 2*opts.RequestTimeout
	}
	return &Client{
		opts:    opts,
		apiBase: strings.TrimSuffix(opts.APIBase, "/"),
		httpClient: &http.Client{
			Timeout: opts.RequestTimeout,
		},
	}
}

type threadResponse struct {
	ID string `json:"id"`
}

type runResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type messageList struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

func (c *Client) CreateThread(ctx context.Context, creds Credentials) (string, error) {
	var th threadResponse
	if err := c.do(ctx, creds, http.MethodPost, "/threads", map[string]any{}, &th); err != nil {
		return "", errors.Wrap(err, "create thread")
	}
	if th.ID == "" {
		return "", errors.Wrap(ErrRefused, "create thread: empty id")
	}
	return th.ID, nil
}

func (c *Client) ThreadExists(ctx context.Context, creds Credentials, threadID string) (bool, error) {
	var th threadResponse
	err := c.do(ctx, creds, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, &th)
	if errors.Is(err, ErrThreadNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Generate appends text to the thread, runs the tenant's assistant and waits
// for its reply with bounded polling.
func (c *Client) Generate(ctx context.Context, creds Credentials, threadID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TotalTimeout)
	defer cancel()

	path := "/threads/" + url.PathEscape(threadID)
	err := c.do(ctx, creds, http.MethodPost, path+"/messages", map[string]any{
		"role":    "user",
		"content": text,
	}, nil)
	if err != nil {
		return "", errors.Wrap(err, "add message")
	}

	var run runResponse
	err = c.do(ctx, creds, http.MethodPost, path+"/runs", map[string]any{
		"assistant_id": creds.AssistantID,
	}, &run)
	if err != nil {
		return "", errors.Wrap(err, "create run")
	}

	for attempt := 0; pending(run.Status) && attempt < c.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ErrTimeout, "run %s: %v", run.ID, ctx.Err())
		case <-time.After(c.opts.PollInterval):
		}
		if err := c.do(ctx, creds, http.MethodGet, path+"/runs/"+url.PathEscape(run.ID), nil, &run); err != nil {
			if ctx.Err() != nil {
				return "", errors.Wrapf(ErrTimeout, "run %s: %v", run.ID, ctx.Err())
			}
			return "", errors.Wrap(err, "poll run")
		}
	}

	switch {
	case run.Status == "completed":
	case pending(run.Status):
		return "", errors.Wrapf(ErrTimeout, "run %s still %s after %d polls", run.ID, run.Status, c.opts.MaxAttempts)
	default:
		msg := run.Status
		if run.LastError != nil {
			msg = fmt.Sprintf("%s: %s %s", run.Status, run.LastError.Code, run.LastError.Message)
		}
		zap.L().Warn("assistant: run did not complete", zap.String("run_id", run.ID), zap.String("reason", msg))
		return "", errors.Wrap(ErrRefused, msg)
	}

	var list messageList
	if err := c.do(ctx, creds, http.MethodGet, path+"/messages?order=desc&limit=1", nil, &list); err != nil {
		return "", errors.Wrap(err, "list messages")
	}
	if len(list.Data) == 0 || list.Data[0].Role != "assistant" {
		return "", ErrEmptyReply
	}
	var sb strings.Builder
	for _, part := range list.Data[0].Content {
		if part.Type == "text" {
			sb.WriteString(part.Text.Value)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func pending(status string) bool {
	switch status {
	case "queued", "in_progress", "cancelling":
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body, out any) error {
	var (
		code int
		data []byte
	)
	flow := gout.New(c.httpClient)
	var df *dataflow.DataFlow
	if method == http.MethodGet {
		df = flow.GET(c.apiBase + path)
	} else {
		df = flow.POST(c.apiBase + path)
	}
	df = df.WithContext(ctx).
		SetHeader(gout.H{
			"Authorization": "Bearer " + creds.APIKey,
			"OpenAI-Beta":   "assistants=v2",
		}).
		Code(&code).
		BindBody(&data)
	if body != nil {
		df = df.SetJSON(body)
	}
	if err := df.Do(); err != nil {
		return err
	}

	switch {
	case code == http.StatusNotFound:
		return errors.Wrapf(ErrThreadNotFound, "%s %s", method, path)
	case code >= 400:
		return errors.Wrapf(ErrRefused, "api error (status %d): %s", code, truncate(string(data), 256))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "parse response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
