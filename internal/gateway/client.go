package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"coopmsg/internal/domain"
)

// Client talks to the chat-channel gateway: session pairing, health pings and
// the single "send one message to one destination" primitive everything else
// sits on top of.
type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

type SessionInfo struct {
	SessionRef  string `json:"sessionRef"`
	Status      string `json:"status"` // pending, paired, invalidated
	PairingCode string `json:"pairingCode,omitempty"`
	Identity    string `json:"identity,omitempty"`
}

type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	SessionPending     = "pending"
	SessionPaired      = "paired"
	SessionInvalidated = "invalidated"
)

func (c *Client) StartSession(ctx context.Context) (SessionInfo, int, error) {
	var out SessionInfo
	status, _, err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out)
	return out, status, err
}

func (c *Client) SessionStatus(ctx context.Context, ref string) (SessionInfo, int, error) {
	var out SessionInfo
	status, _, err := c.do(ctx, http.MethodGet, "/v1/sessions/"+ref, nil, &out)
	return out, status, err
}

func (c *Client) Ping(ctx context.Context, ref string) (int, error) {
	status, _, err := c.do(ctx, http.MethodGet, "/v1/sessions/"+ref+"/ping", nil, nil)
	return status, err
}

func (c *Client) EndSession(ctx context.Context, ref string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+ref, nil, nil)
	return err
}

func (c *Client) SendMessage(ctx context.Context, ref string, req SendRequest) (SendResponse, int, []byte, error) {
	body, _ := json.Marshal(req)
	endpoint := c.base() + "/v1/sessions/" + ref + "/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("gateway send failed")
	}
	return out, resp.StatusCode, b, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		b, _ := json.Marshal(in)
		body = bytes.NewReader(b)
	}
	req, _ := http.NewRequestWithContext(ctx, method, c.base()+path, body)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if out != nil {
		_ = json.Unmarshal(b, out)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, b, &CallError{Status: resp.StatusCode, Body: b, Msg: errMessage(b)}
	}
	return resp.StatusCode, b, nil
}

// CallError carries the HTTP status and raw body of a failed gateway call so
// callers can classify without re-reading the response.
type CallError struct {
	Status int
	Body   []byte
	Msg    string
}

func (e *CallError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "gateway call failed"
}

func errMessage(b []byte) string {
	var out struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(b, &out)
	return out.Message
}

// Classify maps a gateway send result to the error taxonomy. The code string
// comes from the gateway response body; status is the HTTP status.
func Classify(err error, status int, code string) domain.ErrorKind {
	switch code {
	case "invalid_destination":
		return domain.KindInvalidDestination
	case "recipient_blocked":
		return domain.KindRecipientBlocked
	case "session_invalidated":
		return domain.KindSessionInvalidated
	case "rate_limited":
		return domain.KindRateLimited
	}
	if err != nil && status == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.KindTransientNetwork
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.KindTransientNetwork
		}
		return domain.KindTransientNetwork
	}
	switch {
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case status == http.StatusGone:
		return domain.KindSessionInvalidated
	case status == http.StatusRequestTimeout:
		return domain.KindTransientSend
	case status >= 500 && status <= 599:
		return domain.KindTransientSend
	case status == http.StatusBadRequest:
		return domain.KindInvalidDestination
	case status == http.StatusForbidden:
		return domain.KindRecipientBlocked
	}
	return domain.KindTransientSend
}

// ShouldRetry mirrors Classify for connection-level calls where only the
// transient/permanent distinction matters. Status 0 means the gateway was
// never reached: transport failures are transient, the same as Classify maps
// them.
func ShouldRetry(err error, status int) bool {
	if err != nil && status == 0 {
		return true
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return true
	}
	return status >= 500 && status <= 599
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms approx
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
