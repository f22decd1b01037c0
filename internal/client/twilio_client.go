package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://api.twilio.com"

// SendClient is the outbound capability the dispatcher depends on.
type SendClient interface {
	Send(ctx context.Context, toNumber string) (SendResult, error)
}

// SendResult is the provider's acknowledgment of one accepted message.
type SendResult struct {
	SID    string
	Status string
}

// ProviderError is a provider-classified send failure. Code lets callers
// distinguish permanent number failures from transient ones.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// TwilioClient sends templated WhatsApp messages through the Twilio REST API.
type TwilioClient struct {
	baseURL     string
	accountSID  string
	authToken   string
	fromNumber  string
	templateSID string
	dryRun      bool
	client      *http.Client
}

func NewTwilioClient(accountSID, authToken, fromNumber, templateSID string, dryRun bool) *TwilioClient {
	return &TwilioClient{
		baseURL:     defaultBaseURL,
		accountSID:  accountSID,
		authToken:   authToken,
		fromNumber:  fromNumber,
		templateSID: templateSID,
		dryRun:      dryRun,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithBaseURL points the client at a different API host. Used by tests.
func (c *TwilioClient) WithBaseURL(baseURL string) *TwilioClient {
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

type messageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send submits one templated message and returns the provider correlation id.
// In dry-run mode no HTTP request is made and a synthetic SID is returned.
func (c *TwilioClient) Send(ctx context.Context, toNumber string) (SendResult, error) {
	if c.dryRun {
		sid := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
		slog.Info("twilio dry-run send", "to", toNumber, "sid", sid)
		return SendResult{SID: sid, Status: "queued"}, nil
	}

	form := url.Values{
		"From":       {"whatsapp:" + c.fromNumber},
		"To":         {"whatsapp:" + toNumber},
		"ContentSid": {c.templateSID},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		if jsonErr := json.Unmarshal(body, &er); jsonErr == nil && er.Code != 0 {
			return SendResult{}, &ProviderError{Code: er.Code, Message: er.Message}
		}
		return SendResult{}, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var mr messageResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return SendResult{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if mr.SID == "" {
		return SendResult{}, fmt.Errorf("missing sid in response body=%q", string(body))
	}
	if mr.ErrorCode != nil {
		return SendResult{}, &ProviderError{Code: *mr.ErrorCode, Message: mr.ErrorMessage}
	}

	return SendResult{SID: mr.SID, Status: mr.Status}, nil
}
