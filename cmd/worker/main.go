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
	"leadcast/internal/domain"
	"leadcast/internal/httpserver"
	"leadcast/internal/logging"
	"leadcast/internal/observability"
	sqsqueue "leadcast/internal/queue/sqs"
	"leadcast/internal/store/backend"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	st, err := backend.Open(ctx, cfg.BackendOptions())
	if err != nil {
		slog.Error("worker store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	queueReachable := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.BroadcastQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := st.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := queueReachable(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dispatcher := app.NewDispatcher(cfg.Twilio, cfg.Broadcast, st)
	if dispatcher.Sender == nil {
		slog.Warn("twilio not configured; jobs will stay queued until credentials are set")
	}

	consumer := &sqsqueue.BroadcastConsumer{
		SQS:               sqsClient,
		QueueURL:          cfg.BroadcastQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	health := httpserver.New()
	health.RegisterHealth(st.Ping, queueReachable)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Handler()}
	metricsSrv := app.MetricsServer(cfg.MetricsPort)

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.BroadcastQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job domain.BroadcastJob) (err error) {
			start := time.Now()
			slog.Info("worker job start", "lead_id", job.LeadID, "vendors", len(job.Recipients))
			defer func() {
				if err != nil {
					slog.Info("worker job finish", "lead_id", job.LeadID, "status", "error", "duration", time.Since(start), "err", err)
				} else {
					slog.Info("worker job finish", "lead_id", job.LeadID, "status", "ok", "duration", time.Since(start))
				}
			}()
			return dispatcher.ProcessJob(ctx, job)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
