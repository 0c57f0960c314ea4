package notify

import (
	"bytes"
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

	"github.com/petervdpas/mentality/internal/util"
)

// APIError is a failed call: a non-2xx status or an envelope reporting
// failure.
type APIError struct {
	Status   int
	Messages []string
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if msg == "" {
		msg = "request failed"
	}
	if e.Status != 0 {
		return fmt.Sprintf("api %d: %s", e.Status, msg)
	}
	return "api: " + msg
}

// envelope is the backend response wrapper. Both spellings of the success
// flag and the payload key are in use.
type envelope struct {
	IsSuccess    *bool           `json:"IsSuccess"`
	Success      *bool           `json:"success"`
	Result       json.RawMessage `json:"Result"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage []struct {
		Message string `json:"message"`
	} `json:"ErrorMessage"`
	Message string `json:"message"`
}

// unwrap returns the payload of an envelope. A body without any success
// flag is taken to be the payload itself.
func unwrap(body []byte, status int) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status/100 != 2 {
			return nil, &APIError{Status: status}
		}
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	flag := env.IsSuccess
	if flag == nil {
		flag = env.Success
	}
	if flag == nil && status/100 == 2 {
		return body, nil
	}
	if flag == nil || !*flag || status/100 != 2 {
		apiErr := &APIError{Status: status}
		for _, m := range env.ErrorMessage {
			if m.Message != "" {
				apiErr.Messages = append(apiErr.Messages, m.Message)
			}
		}
		if len(apiErr.Messages) == 0 && env.Message != "" {
			apiErr.Messages = []string{env.Message}
		}
		if status/100 == 2 {
			apiErr.Status = 0
		}
		return nil, apiErr
	}

	if len(env.Result) > 0 && string(env.Result) != "null" {
		return env.Result, nil
	}
	return env.Data, nil
}

// Client talks to the notifications REST endpoints.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: util.TrimSlash(baseURL),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// do sends the request and decodes the envelope payload into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	payload, err := unwrap(raw, resp.StatusCode)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out != nil && len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context, limit, skip int) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(skip))

	var page Page
	err := c.do(ctx, http.MethodGet, "/notifications?"+q.Encode(), nil, &page)
	return page, err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/notifications", map[string]string{"notificationId": id}, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/notifications", map[string]bool{"markAll": true}, nil)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications?id="+url.QueryEscape(id), nil, nil)
}

// IsAPIError reports whether err carries an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
