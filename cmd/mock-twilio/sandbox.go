package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"leadcast/internal/config"
	"leadcast/internal/providers/twilio"
)

type sendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
	Code      int    `json:"code,omitempty"`
}

// sentMessage is what the sandbox remembers about an accepted send.
type sentMessage struct {
	Sid        string    `json:"sid"`
	To         string    `json:"to"`
	ContentSID string    `json:"content_sid"`
	Variables  string    `json:"content_variables"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

type replyRequest struct {
	From          string `json:"from"`
	Body          string `json:"body"`
	ButtonText    string `json:"button_text"`
	ButtonPayload string `json:"button_payload"`
	// ReplyTo is the outbound sid the vendor answered, when known.
	ReplyTo string `json:"reply_to"`
}

type sandbox struct {
	cfg    config.MockTwilioConfig
	client *http.Client
	sleep  func(time.Duration)

	idx uint64
	wg  sync.WaitGroup

	mu   sync.Mutex
	sent []sentMessage
}

func newSandbox(cfg config.MockTwilioConfig) *sandbox {
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	return &sandbox{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		sleep:  time.Sleep,
	}
}

func (s *sandbox) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/mock/messages", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/mock/replies", s.handleReply).Methods(http.MethodPost)
	return r
}

func (s *sandbox) handleSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.AccountSID || pass != s.cfg.AuthToken || mux.Vars(r)["AccountSid"] != s.cfg.AccountSID {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || (r.Form.Get("Body") == "" && r.Form.Get("ContentSid") == "") {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	n := atomic.AddUint64(&s.idx, 1) - 1
	outcome := strings.ToLower(strings.TrimSpace(s.cfg.Outcomes[n%uint64(len(s.cfg.Outcomes))]))
	if code, err := strconv.Atoi(outcome); err == nil {
		writeError(w, code, 20500+code%100, "simulated provider error")
		return
	}

	sid := fmt.Sprintf("SM%032x", n+1)
	s.mu.Lock()
	s.sent = append(s.sent, sentMessage{
		Sid:        sid,
		To:         twilio.StripChannel(r.Form.Get("To")),
		ContentSID: r.Form.Get("ContentSid"),
		Variables:  r.Form.Get("ContentVariables"),
		Status:     "queued",
		At:         time.Now().UTC(),
	})
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, sendResponse{Sid: sid, Status: "queued"})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statusSequence(cb, sid, outcome)
		}()
	}
}

// statusSequence posts sent and then the final status for one message.
func (s *sandbox) statusSequence(callbackURL, sid, outcome string) {
	final, code := "delivered", ""
	switch outcome {
	case "failed":
		final, code = "failed", "63016"
	case "undelivered":
		final, code = "undelivered", "63024"
	}
	for _, st := range []string{"sent", final} {
		s.sleep(s.cfg.CallbackDelay)
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", st)
		if st == final && code != "" {
			form.Set("ErrorCode", code)
		}
		if err := s.postSigned(context.Background(), callbackURL, form); err != nil {
			slog.Error("mock status callback failed", "sid", sid, "status", st, "err", err)
			return
		}
		s.setStatus(sid, st)
	}
}

func (s *sandbox) setStatus(sid, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sent {
		if s.sent[i].Sid == sid {
			s.sent[i].Status = status
		}
	}
}

func (s *sandbox) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]sentMessage(nil), s.sent...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleReply simulates a vendor answering on WhatsApp by posting a signed
// inbound callback to the configured webhook.
func (s *sandbox) handleReply(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InboundURL == "" {
		writeError(w, http.StatusConflict, 0, "MOCK_INBOUND_URL not set")
		return
	}
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" {
		writeError(w, http.StatusBadRequest, 0, "from is required")
		return
	}

	sid := fmt.Sprintf("SMin%030x", atomic.AddUint64(&s.idx, 1))
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("AccountSid", s.cfg.AccountSID)
	form.Set("From", twilio.WhatsAppAddress(req.From))
	form.Set("To", twilio.WhatsAppAddress(s.cfg.WhatsAppFrom))
	form.Set("Body", req.Body)
	form.Set("NumMedia", "0")
	if req.ButtonText != "" {
		form.Set("ButtonText", req.ButtonText)
	}
	if req.ButtonPayload != "" {
		form.Set("ButtonPayload", req.ButtonPayload)
	}
	if req.ReplyTo != "" {
		form.Set("OriginalRepliedMessageSid", req.ReplyTo)
	}

	if err := s.postSigned(r.Context(), s.cfg.InboundURL, form); err != nil {
		writeError(w, http.StatusBadGateway, 0, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sid": sid})
}

func (s *sandbox) postSigned(ctx context.Context, target string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, target, form)
	attempts := s.cfg.CallbackMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.sleep(twilio.Backoff(attempt - 1))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("callback status %d", status)
		}
		if !twilio.ShouldRetry(err, status) {
			return lastErr
		}
		slog.Warn("mock callback retrying", "url", target, "attempt", attempt+1, "status", status)
	}
	return lastErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, sendResponse{Status: "failed", Message: msg, Code: code})
}
