package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/config"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/broadcasts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","requestId":"req-1","total":2,"sent":1,"failed":1,
			"results":[{"vendor_id":"v1","phone":"+250788123456","status":"sent"},{"vendor_id":"v2","phone":"+250788654321","status":"failed","error":"invalid to"}]}`))
	})
	mux.HandleFunc("GET /v1/broadcasts/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","lead":{"id":"req-1","status":"quoted"},
			"responses":{"have_it":1,"total":1},
			"messages":[{"message_sid":"SM9","vendor_id":"v1","vendor_name":"Amani","phone":"+250788123456","snippet":"yes we have","response_type":"have_it"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, cfg config.WatchConfig, args ...string) string {
	t.Helper()
	out := &syncBuffer{}
	a := &watchApp{cfg: cfg, out: out}
	root := newRootCmd(a)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestSendFollowsAndRecordsHistory(t *testing.T) {
	srv := fakeAPI(t)
	dir := t.TempDir()
	reqFile := filepath.Join(dir, "req.json")
	require.NoError(t, os.WriteFile(reqFile, []byte(`{"requestId":"req-1","userLocationLabel":"Remera","needDescription":"cement","businesses":[{"name":"Amani","phone":"0788123456"}]}`), 0o600))

	cfg := config.WatchConfig{
		APIBaseURL:  srv.URL,
		Interval:    10 * time.Millisecond,
		Budget:      200 * time.Millisecond,
		HistoryFile: filepath.Join(dir, "history.json"),
	}

	out := run(t, cfg, "send", reqFile)
	assert.Contains(t, out, "request req-1: success, sent 1, failed 1")
	assert.Contains(t, out, "failed +250788654321: invalid to")
	assert.Contains(t, out, `* Amani has it: "yes we have"`)
	assert.Contains(t, out, "https://wa.me/250788123456?text=")
	assert.Contains(t, out, "stopped watching req-1 (budget_elapsed)")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("* Amani has it")))

	out = run(t, cfg, "history")
	assert.Contains(t, out, "req-1")
	assert.Contains(t, out, "cement")
}

func TestHistoryEmpty(t *testing.T) {
	out := run(t, config.WatchConfig{APIBaseURL: "http://unused"}, "history")
	assert.Contains(t, out, "no recent dispatches")
}
