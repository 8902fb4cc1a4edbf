package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/config"
	"leadcast/internal/domain"
	"leadcast/internal/providers/twilio"
	"leadcast/internal/store"
	"leadcast/internal/store/sqlite"
)

func TestNewDispatcherWithoutCredentials(t *testing.T) {
	d := NewDispatcher(config.Twilio{TwilioRPS: 5, TwilioBurst: 5}, config.Broadcast{}, nil)

	assert.Nil(t, d.Sender)
	assert.Empty(t, d.StatusCallbackURL)
	assert.NotNil(t, d.Limiter)
	assert.NotNil(t, d.Breaker)
}

func TestNewDispatcherConfigured(t *testing.T) {
	d := NewDispatcher(config.Twilio{
		TwilioAccountSID:   "AC1",
		TwilioAuthToken:    "tok",
		TwilioWhatsAppFrom: "+14155238886",
		TwilioContentSID:   "HX1",
		TwilioRPS:          2,
		TwilioBurst:        1,
		TwilioSendTimeout:  3 * time.Second,
	}, config.Broadcast{
		BroadcastSendDelay:   100 * time.Millisecond,
		BroadcastMaxVendors:  50,
		BroadcastMaxAttempts: 2,
		PublicWebhookBaseURL: "https://hooks.example.com/",
	}, nil)

	client, ok := d.Sender.(*twilio.Client)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, client.HTTP.Timeout)
	assert.Equal(t, "HX1", d.ContentSID)
	assert.Equal(t, "+14155238886", d.FromAddress)
	assert.Equal(t, "https://hooks.example.com/v1/webhooks/twilio/status", d.StatusCallbackURL)
	assert.Equal(t, 50, d.MaxVendors)
	assert.Equal(t, 2, d.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, d.SendDelay)
}

func TestBreakerIgnoresRejectedNumbers(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err = st.CreateLead(ctx, store.LeadInsert{ID: "req-1", NeedDescription: "cement", Now: now})
	require.NoError(t, err)
	recipients := make([]domain.Recipient, 0, 12)
	for i := 0; i < 12; i++ {
		v, err := st.UpsertVendor(ctx, store.VendorUpsert{ID: fmt.Sprintf("vnd_%d", i), Phone: fmt.Sprintf("+2507880000%02d", i), Now: now})
		require.NoError(t, err)
		recipients = append(recipients, domain.Recipient{VendorID: v.ID, Phone: v.Phone})
	}

	d := NewDispatcher(config.Twilio{
		TwilioAccountSID:   "AC1",
		TwilioAuthToken:    "tok",
		TwilioWhatsAppFrom: "+14155238886",
		TwilioContentSID:   "HX1",
		TwilioBaseURL:      "https://api.twilio.test",
		TwilioRPS:          1000,
		TwilioBurst:        100,
		TwilioSendTimeout:  time.Second,
	}, config.Broadcast{BroadcastMaxAttempts: 1}, st)

	transport := httpmock.NewMockTransport()
	d.Sender.(*twilio.Client).HTTP.Transport = transport
	sent := 0
	transport.RegisterResponder(http.MethodPost, "https://api.twilio.test/2010-04-01/Accounts/AC1/Messages.json",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			// the first ten numbers do not exist on WhatsApp
			if req.PostForm.Get("To") < "whatsapp:+250788000010" {
				return httpmock.NewStringResponse(400, `{"code":21211,"message":"invalid To"}`), nil
			}
			sent++
			return httpmock.NewStringResponse(201, fmt.Sprintf(`{"sid":"SM%d","status":"queued"}`, sent)), nil
		})

	report, err := d.Broadcast(ctx, "req-1", recipients)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Failed)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 12, transport.GetTotalCallCount())
	assert.Equal(t, gobreaker.StateClosed, d.Breaker.State())
}

func TestBreakerTripsOnServerErrors(t *testing.T) {
	d := NewDispatcher(config.Twilio{TwilioRPS: 1, TwilioBurst: 1}, config.Broadcast{}, nil)
	for i := 0; i < 10; i++ {
		_, _ = d.Breaker.Execute(func() (any, error) { return nil, &twilio.APIError{Status: 503} })
	}
	assert.Equal(t, gobreaker.StateOpen, d.Breaker.State())
}

func TestMetricsServerServesRegistry(t *testing.T) {
	srv := MetricsServer("9999")
	assert.Equal(t, ":9999", srv.Addr)

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
