// Command fakebackend runs the in-memory auth backend for local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/sitebook/tokenkeeper/internal/fakebackend"
	"github.com/sitebook/tokenkeeper/internal/obs"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	secret := flag.String("secret", "dev-secret-change-me", "JWT signing secret")
	accessTTL := flag.Duration("access-ttl", fakebackend.DefaultAccessTokenExpiry, "access token lifetime")
	refreshTTL := flag.Duration("refresh-ttl", fakebackend.DefaultRefreshTokenExpiry, "refresh token lifetime")
	username := flag.String("user", "lead@site.example", "seeded username")
	password := flag.String("password", "hunter2", "seeded password")
	failRefreshes := flag.Int("fail-refreshes", 0, "answer the first N refresh calls with 503")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := obs.NewLogger(obs.LogConfig{Level: *logLevel, Pretty: true, App: "fakebackend"})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	s := fakebackend.New(*secret)
	s.AccessTokenExpiry = *accessTTL
	s.RefreshTokenExpiry = *refreshTTL
	s.Logger = logger
	if err := s.AddUser(*username, *password, map[string]any{"name": "Site Lead"}); err != nil {
		logger.Fatal("failed to seed user", zap.Error(err))
	}
	s.FailRefreshes(*failRefreshes)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           otelhttp.NewHandler(s.Handler(), "fakebackend"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fakebackend listening",
		zap.String("addr", *addr),
		zap.Duration("access_ttl", *accessTTL),
		zap.String("user", *username))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
