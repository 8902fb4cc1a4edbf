package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
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

func main() {
	cfg := config.LoadWebhookProcessor()
	logging.Init("webhook-processor", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	st, err := backend.Open(ctx, cfg.BackendOptions())
	if err != nil {
		slog.Error("webhook-processor store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	ingest := &inbound.Service{Store: st, CountryCode: cfg.DefaultCountryCode}
	consumer := &sqsqueue.WebhookConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health + metrics servers
	health := httpserver.New()
	health.RegisterHealth(st.Ping, func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.WebhookEventsQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	})
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}
	metricsSrv := app.MetricsServer(cfg.MetricsPort)

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.WebhookEventsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, func(ctx context.Context, ev sqsqueue.WebhookEvent) error {
			return processWebhookEvent(ctx, ingest, ev)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}
