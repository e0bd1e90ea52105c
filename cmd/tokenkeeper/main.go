// Command tokenkeeper logs in to a backend, keeps the session fresh, and
// makes authenticated requests with it.
//
//	tokenkeeper [-config file] <command> [flags]
//
// Commands: login, status, refresh, get, watch, logout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	tk "github.com/sitebook/tokenkeeper"
	"github.com/sitebook/tokenkeeper/client"
	"github.com/sitebook/tokenkeeper/internal/config"
	"github.com/sitebook/tokenkeeper/internal/obs"
)

var version = "dev"

const usage = `usage: tokenkeeper [-config file] <command> [flags]

commands:
  login    -u user [-p password]   log in and store the credential
  status                           show the stored session
  refresh                          refresh the access token now
  get      <path>                  GET a path on the server with the session
  watch                            keep the session fresh until interrupted
  logout                           clear the stored session
`

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *client.AuthClient
	closers []func()
}

func main() {
	configPath := flag.String("config", os.Getenv("TOKENKEEPER_CONFIG"), "path to a YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenkeeper: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "login":
		err = a.login(ctx, args)
	case "status":
		err = a.status(ctx)
	case "refresh":
		err = a.refresh(ctx)
	case "get":
		err = a.get(ctx, args)
	case "watch":
		err = a.watch(ctx)
	case "logout":
		err = a.client.Logout(ctx)
	default:
		flag.Usage()
		a.close()
		os.Exit(2)
	}
	if err != nil {
		a.logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		a.close()
		os.Exit(1)
	}
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := obs.NewLogger(obs.LogConfig{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		App:    "tokenkeeper",
		Ver:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	persister, closeStore, err := openPersister(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	c := client.NewAuthClient(cfg.Server.URL, tk.NewStore(persister),
		client.WithTransport(otelhttp.NewTransport(http.DefaultTransport)),
		client.WithHTTPClient(&http.Client{Timeout: cfg.Server.Timeout}),
		client.WithLoginEndpoint(cfg.Server.LoginEndpoint),
		client.WithRefreshEndpoint(cfg.Server.RefreshEndpoint),
		client.WithFatalCodes(cfg.Refresh.FatalCodes...),
		client.WithLogger(logger),
		client.WithManagerOptions(
			tk.WithBuffer(cfg.Refresh.Buffer),
			tk.WithRetryInterval(cfg.Refresh.RetryInterval),
			tk.WithRefreshTimeout(cfg.Refresh.Timeout),
		),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		client:  c,
		closers: []func(){closeStore, func() { logger.Sync() }},
	}, nil
}

func (a *app) close() {
	a.client.Close()
	for _, fn := range a.closers {
		fn()
	}
	a.closers = nil
}

func (a *app) login(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("login", flag.ContinueOnError)
	username := flags.String("u", "", "username")
	password := flags.String("p", os.Getenv("TOKENKEEPER_PASSWORD"), "password (or TOKENKEEPER_PASSWORD)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return errors.New("login needs -u and -p")
	}

	cred, err := a.client.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	fmt.Printf("logged in to %s, token expires %s\n", a.client.ServerURL(), formatExpiry(cred))
	return nil
}

func (a *app) status(ctx context.Context) error {
	if err := a.client.Initialize(ctx); err != nil {
		return err
	}
	m := a.client.Manager()
	cred := m.Current()
	if cred == nil {
		fmt.Println("not logged in")
		return nil
	}
	fmt.Printf("server:      %s\n", a.client.ServerURL())
	fmt.Printf("state:       %s\n", m.State())
	fmt.Printf("expires:     %s\n", formatExpiry(cred))
	fmt.Printf("expiring:    %t\n", m.Expiring())
	fmt.Printf("refreshable: %t\n", cred.HasRefreshToken())
	if len(cred.User) > 0 {
		fmt.Printf("user:        %s\n", cred.User)
	}
	return nil
}

func (a *app) refresh(ctx context.Context) error {
	if err := a.client.Initialize(ctx); err != nil {
		return err
	}
	cred, err := a.client.Manager().RefreshNow(ctx)
	if err != nil {
		if tk.IsFatal(err) {
			fmt.Println("session rejected by server, log in again")
		}
		return err
	}
	fmt.Printf("refreshed, token expires %s\n", formatExpiry(cred))
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("get needs exactly one path")
	}
	if err := a.client.Initialize(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.client.ServerURL()+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := a.client.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}

// watch keeps the session refreshed and serves metrics until ctx ends
func (a *app) watch(ctx context.Context) error {
	if err := a.client.Initialize(ctx); err != nil {
		return err
	}
	m := a.client.Manager()
	if m.Current() == nil {
		return tk.ErrNoCredential
	}

	sessionEnded := make(chan struct{}, 1)
	cancel := m.Subscribe(func(s tk.AuthState) {
		a.logger.Info("auth state changed", zap.Stringer("state", s))
		if s == tk.Unauthenticated {
			select {
			case sessionEnded <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if m.Current() == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	a.logger.Info("watching session",
		zap.String("metrics", a.cfg.Metrics.Addr),
		zap.Stringer("state", m.State()),
		zap.Time("expires_at", m.Current().ExpiresAt))

	var err error
	select {
	case <-ctx.Done():
	case <-sessionEnded:
		err = errors.New("session ended")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	return err
}

func formatExpiry(cred *tk.Credential) string {
	if cred.ExpiresAt.IsZero() {
		return "never"
	}
	return cred.ExpiresAt.Local().Format(time.RFC3339)
}
