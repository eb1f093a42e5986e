// Package telegram is a minimal client for the Telegram Bot API covering the
// two methods the delivery service needs.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the Bot API with a single bot token.
type Client struct {
	baseURL    string
	token      string
	httpClient HTTPClient
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL; a nil
// httpClient selects http.DefaultClient.
func NewClient(baseURL, token string, httpClient HTTPClient) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// SendMessageRequest is the sendMessage payload.
type SendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Message is the subset of the Bot API Message object the service reads.
type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
}

// SentAt converts the provider's unix-seconds date.
func (m *Message) SentAt() time.Time {
	return time.Unix(m.Date, 0).UTC()
}

// User is the subset of the Bot API User object returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Response is the Bot API envelope.
type Response[T any] struct {
	OK          bool                `json:"ok"`
	Result      T                   `json:"result"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

type ResponseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sendMessage: %w", err)
	}
	var msg Message
	if err := c.call(ctx, http.MethodPost, "sendMessage", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.call(ctx, http.MethodGet, "getMe", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) call(ctx context.Context, method, apiMethod string, payload []byte, result any) error {
	endpoint := c.baseURL + "/bot" + c.token + "/" + apiMethod

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", apiMethod, c.redact(err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", apiMethod, c.redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", apiMethod, err)
	}

	failed := resp.StatusCode < 200 || resp.StatusCode >= 300

	var env Response[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		if failed {
			return &HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode %s response: %w", apiMethod, err)
	}

	// A non-2xx JSON body without the envelope fields did not come from the
	// Bot API itself.
	if failed && env.ErrorCode == 0 && env.Description == "" {
		return &HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	if !env.OK || failed {
		apiErr := &APIError{
			StatusCode:  resp.StatusCode,
			Code:        env.ErrorCode,
			Description: env.Description,
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		if apiErr.Description == "" {
			apiErr.Description = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", apiMethod, err)
	}
	return nil
}

// redact strips the request URL, which embeds the bot token, from transport
// errors while keeping the underlying cause in the chain.
func (c *Client) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &url.Error{Op: uerr.Op, URL: c.redactString(uerr.URL), Err: uerr.Err}
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return errors.New(c.redactString(err.Error()))
	}
	return err
}

func (c *Client) redactString(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, "<redacted>")
}
