package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/exsilium/shiphub-server/internal/fakehub"
	"github.com/exsilium/shiphub-server/internal/logging"
)

func main() {
	var (
		addr      = pflag.String("addr", ":8090", "HTTP listen address for the fake API")
		rateLimit = pflag.Int("rate-limit", 5000, "requests per token per hour")
		maxAge    = pflag.Duration("max-age", time.Minute, "Cache-Control max-age advertised on responses")
		poll      = pflag.Duration("poll-interval", 0, "X-Poll-Interval advertised on responses, 0 to omit")
		logFormat = pflag.String("log-format", "console", "json or console")
	)
	pflag.Parse()

	logger := logging.New(*logFormat, "info").With("component", "fakehub.http")
	hub := fakehub.New(fakehub.Options{RateLimit: *rateLimit, MaxAge: *maxAge, PollInterval: *poll})
	server := &http.Server{
		Addr:              *addr,
		Handler:           hub.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("fake API listening", "addr", *addr, "rate_limit", *rateLimit, "max_age", *maxAge)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("fake API server error", "error", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("fake API stopped")
}
