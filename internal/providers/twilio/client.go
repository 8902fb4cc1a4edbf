package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const whatsappPrefix = "whatsapp:"

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	// WhatsAppFrom is the sender number in E.164 form.
	WhatsAppFrom string
	BaseURL      string
}

// TemplateRequest sends one pre-approved WhatsApp content template.
type TemplateRequest struct {
	To                string
	ContentSID        string
	Variables         map[string]string
	StatusCallbackURL string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
}

// Configured reports whether the client has the credentials needed to send.
func (c *Client) Configured() bool {
	return c != nil && c.AccountSID != "" && c.AuthToken != "" && (c.MessagingServiceSID != "" || c.WhatsAppFrom != "")
}

func (c *Client) SendTemplate(ctx context.Context, req TemplateRequest) (SendResponse, int, []byte, error) {
	vars, err := json.Marshal(req.Variables)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	form := url.Values{}
	form.Set("To", WhatsAppAddress(req.To))
	form.Set("ContentSid", req.ContentSID)
	form.Set("ContentVariables", string(vars))
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
	}
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", WhatsAppAddress(c.WhatsAppFrom))
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// 201 Created on success; any 2xx is accepted
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, &APIError{Status: resp.StatusCode, Code: out.Code, Message: out.Message}
		}
		return out, resp.StatusCode, b, &APIError{Status: resp.StatusCode, Message: "twilio send failed"}
	}
	return out, resp.StatusCode, b, nil
}

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return "twilio " + strconv.Itoa(e.Status) + " (" + strconv.Itoa(e.Code) + "): " + e.Message
	}
	return "twilio " + strconv.Itoa(e.Status) + ": " + e.Message
}

// IsRejection reports whether err is a 4xx answer about the request itself
// (bad number, template outside the window). Such errors say nothing about
// the provider's health.
func IsRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	s := apiErr.Status
	return s >= 400 && s < 500 && s != 408 && s != 429
}

// WhatsAppAddress prefixes an E.164 number with the channel scheme.
func WhatsAppAddress(phone string) string {
	if strings.HasPrefix(phone, whatsappPrefix) {
		return phone
	}
	return whatsappPrefix + phone
}

// StripChannel removes the channel scheme from a provider address.
func StripChannel(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), whatsappPrefix)
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil && httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
