// Package client provides the HTTP side of tokenkeeper: the backend's
// login/refresh endpoints and an http.Client that attaches and renews tokens.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	tk "github.com/sitebook/tokenkeeper"
)

// Default endpoint paths, relative to the server URL
const (
	DefaultLoginEndpoint   = "/auth/login"
	DefaultRefreshEndpoint = "/auth/refresh"
)

// AuthClient is an HTTP client with automatic token management
type AuthClient struct {
	serverURL       string
	httpClient      *http.Client
	baseTransport   http.RoundTripper
	loginEndpoint   string
	refreshEndpoint string
	fatalCodes      []int
	logger          *zap.Logger
	managerOpts     []tk.Option

	manager   *tk.Manager
	refresher *HTTPRefresher
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithLoginEndpoint sets a custom login endpoint path
func WithLoginEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.loginEndpoint = path
	}
}

// WithRefreshEndpoint sets a custom refresh endpoint path
func WithRefreshEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.refreshEndpoint = path
	}
}

// WithFatalCodes sets the rc.code values that reject a refresh token
func WithFatalCodes(codes ...int) ClientOption {
	return func(c *AuthClient) {
		c.fatalCodes = codes
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, tracing, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// WithLogger sets the logger for the client and its manager
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *AuthClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithManagerOptions passes options through to the lifecycle manager
func WithManagerOptions(opts ...tk.Option) ClientOption {
	return func(c *AuthClient) {
		c.managerOpts = append(c.managerOpts, opts...)
	}
}

// NewAuthClient creates an authenticated HTTP client for a server, backed by store
func NewAuthClient(serverURL string, store tk.CredentialStore, opts ...ClientOption) *AuthClient {
	// Normalize server URL
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	c := &AuthClient{
		serverURL:       serverURL,
		httpClient:      &http.Client{},
		baseTransport:   http.DefaultTransport,
		loginEndpoint:   DefaultLoginEndpoint,
		refreshEndpoint: DefaultRefreshEndpoint,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	mopts := append([]tk.Option{tk.WithLogger(c.logger)}, c.managerOpts...)
	c.refresher = &HTTPRefresher{
		URL: c.serverURL + c.refreshEndpoint,
		// Use base transport directly to avoid auth loop
		Client:     &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout},
		FatalCodes: c.fatalCodes,
	}
	c.manager = tk.NewManager(store, c.refresher, mopts...)
	c.refresher.Now = c.manager.Clock().Now

	c.httpClient.Transport = &Transport{
		Source: c.manager,
		Base:   c.baseTransport,
		Logger: c.logger.Named("transport"),
	}
	return c
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// Manager returns the token lifecycle manager
func (c *AuthClient) Manager() *tk.Manager {
	return c.manager
}

// Refresher returns the refresh endpoint client
func (c *AuthClient) Refresher() *HTTPRefresher {
	return c.refresher
}

// Initialize restores the stored credential and arms auto-refresh
func (c *AuthClient) Initialize(ctx context.Context) error {
	return c.manager.Initialize(ctx)
}

// Login authenticates with username/password and starts a session
func (c *AuthClient) Login(ctx context.Context, username, password string) (*tk.Credential, error) {
	hc := &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}
	resp, err := postToken(ctx, hc, c.serverURL+c.loginEndpoint, "login", LoginRequest{
		Username: username,
		Password: password,
	}, c.refresher.fatalCodes())
	if err != nil {
		return nil, err
	}

	cred := tk.NewCredential(c.manager.Clock().Now(), resp.Auth.AccessToken, resp.Auth.RefreshToken, resp.Auth.TokenType, resp.Auth.ExpiresIn, nil)
	cred.User = resp.User

	if err := c.manager.Login(ctx, cred); err != nil {
		return nil, err
	}
	c.logger.Info("logged in", zap.String("server", c.serverURL))
	return cred, nil
}

// Logout ends the session
func (c *AuthClient) Logout(ctx context.Context) error {
	return c.manager.Logout(ctx)
}

// IsLoggedIn returns true if there is a non-expired credential
func (c *AuthClient) IsLoggedIn() bool {
	cred := c.manager.Current()
	return cred != nil && !cred.IsExpired(c.manager.Clock().Now())
}

// Close stops auto-refresh
func (c *AuthClient) Close() {
	c.manager.Close()
}
