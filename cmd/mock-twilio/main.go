// Command mock-twilio is a local stand-in for the Twilio Messages API. It
// accepts template sends, replays signed status callbacks and can simulate
// vendor replies against the inbound webhook.
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

	"leadcast/internal/config"
	"leadcast/internal/httpserver"
	"leadcast/internal/logging"
)

func main() {
	cfg := config.LoadMockTwilio()
	logging.Init("mock-twilio", cfg.LogFormat)

	sb := newSandbox(cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(sb.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mock twilio listening", "port", cfg.Port, "outcomes", cfg.Outcomes)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock twilio server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("mock twilio shutdown", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	sb.wg.Wait()
}
