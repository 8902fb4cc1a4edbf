package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"leadcast/internal/app"
	"leadcast/internal/awsutil"
	"leadcast/internal/config"
	"leadcast/internal/httpserver"
	"leadcast/internal/inbound"
	"leadcast/internal/logging"
	"leadcast/internal/observability"
	sqsqueue "leadcast/internal/queue/sqs"
	"leadcast/internal/store/backend"
)

// webhook is the public-facing callback receiver. It can run alone so the
// API stays private, and optionally hands verified events to SQS.
func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := backend.Open(ctx, cfg.BackendOptions())
	if err != nil {
		slog.Error("webhook store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	ingest := &inbound.Service{Store: st, CountryCode: cfg.DefaultCountryCode}
	webhook := &httpserver.Webhook{
		Ingest:        ingest,
		AuthToken:     cfg.TwilioAuthToken,
		PublicBaseURL: cfg.PublicWebhookBaseURL,
	}
	if cfg.WebhookEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("webhook sqs client init failed", "err", err)
			os.Exit(1)
		}
		webhook.Queue = &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL}
		slog.Info("webhook events queued", "queue_url", cfg.WebhookEventsQueueURL)
	}

	s := httpserver.New()
	webhook.Register(s.Mux)
	(&httpserver.Messages{Ingest: ingest, AdminKey: cfg.AdminAPIKey}).Register(s.Mux)
	s.RegisterHealth(st.Ping)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := app.MetricsServer(cfg.MetricsPort)
	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
