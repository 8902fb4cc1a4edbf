package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"

	"leadcast/internal/app"
	"leadcast/internal/awsutil"
	"leadcast/internal/broadcast"
	"leadcast/internal/config"
	"leadcast/internal/httpserver"
	"leadcast/internal/inbound"
	"leadcast/internal/logging"
	"leadcast/internal/observability"
	sqsqueue "leadcast/internal/queue/sqs"
	"leadcast/internal/status"
	"leadcast/internal/store/backend"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := backend.Open(ctx, cfg.BackendOptions())
	if err != nil {
		slog.Error("api store open failed", "err", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer st.Close()

	observability.Register(prometheus.DefaultRegisterer)

	dispatcher := app.NewDispatcher(cfg.Twilio, cfg.Broadcast, st)
	if dispatcher.Sender == nil {
		slog.Warn("twilio not configured; broadcasts will fail until credentials are set")
	}
	svc := &broadcast.Service{
		Store:       st,
		Dispatcher:  dispatcher,
		CountryCode: cfg.DefaultCountryCode,
	}
	ingest := &inbound.Service{Store: st, CountryCode: cfg.DefaultCountryCode}
	webhook := &httpserver.Webhook{
		Ingest:        ingest,
		AuthToken:     cfg.TwilioAuthToken,
		PublicBaseURL: cfg.PublicWebhookBaseURL,
	}

	var sqsClient *sqs.Client
	if cfg.BroadcastQueueURL != "" || cfg.WebhookEventsQueueURL != "" {
		sqsClient, err = awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
	}
	if cfg.BroadcastQueueURL != "" {
		svc.Queue = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.BroadcastQueueURL}
		slog.Info("api dispatch mode async", "queue_url", cfg.BroadcastQueueURL)
	}
	if cfg.WebhookEventsQueueURL != "" {
		webhook.Queue = &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL}
	}

	s := httpserver.New()
	api := &httpserver.API{
		Dispatcher: svc,
		Status:     &status.Aggregator{Store: st},
		Vendors:    svc,
		AdminKey:   cfg.AdminAPIKey,
	}
	api.Register(s.Mux)
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
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
