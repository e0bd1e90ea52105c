// Package tokenkeeper keeps a client's bearer session alive.
//
// It has three layers:
//
// Store: the single persisted Credential (access token, refresh token,
// expiry, opaque user profile). A Store wraps a Persister; the stores/
// subpackages provide file, GORM, Datastore and Redis persisters, and a nil
// Persister keeps the record in memory only.
//
// Manager: the token lifecycle. It arms a timer that refreshes the access
// token a buffer ahead of expiry, coalesces concurrent refreshes into one
// network call, retries transient failures and ends the session when the
// server rejects the refresh token.
//
// Transports: client.Transport attaches the token to outgoing HTTP requests
// and retries once after a 401; grpc provides the same for gRPC calls.
//
// # Basic Usage
//
//	persister, _ := fs.NewPersister("", "myapp")
//	c := client.NewAuthClient("https://api.example.com", tokenkeeper.NewStore(persister))
//	defer c.Close()
//
//	if err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	if c.Manager().Current() == nil {
//	    if _, err := c.Login(ctx, username, password); err != nil {
//	        return err
//	    }
//	}
//	resp, err := c.HTTPClient().Get("https://api.example.com/api/projects")
//
// # Errors
//
// Refresh failures are *RefreshError values. IsFatal reports whether the
// refresh token was rejected; fatal errors also match ErrRefreshTokenRejected
// with errors.Is. Callers learn about forced logouts through
// Manager.Subscribe rather than through returned errors.
package tokenkeeper
