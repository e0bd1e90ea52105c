package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	tk "github.com/sitebook/tokenkeeper"
)

// DefaultFatalCodes are the rc.code values that mean the refresh token was refused
var DefaultFatalCodes = []int{401, 403, 10401}

// ResultCode is the status block every backend response carries. Code 0 is success.
type ResultCode struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// TokenPayload holds the credentials minted by the auth endpoints
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// TokenResponse is the envelope returned by the login and refresh endpoints.
// OAuth2-style error fields are also understood.
type TokenResponse struct {
	RC   *ResultCode     `json:"rc,omitempty"`
	Auth *TokenPayload   `json:"auth,omitempty"`
	User json.RawMessage `json:"user,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorDesc string `json:"error_description,omitempty"`
}

// RefreshRequest is the body sent to the refresh endpoint
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LoginRequest is the body sent to the login endpoint
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HTTPRefresher calls the backend refresh endpoint
type HTTPRefresher struct {
	// URL is the absolute refresh endpoint URL
	URL string

	// Client sends the refresh call. It must not carry the auth Transport.
	Client *http.Client

	// FatalCodes lists rc.code values treated as a rejected refresh token.
	// Defaults to DefaultFatalCodes.
	FatalCodes []int

	// Now stamps the response receipt time. Defaults to time.Now.
	Now func() time.Time
}

var _ tk.Refresher = (*HTTPRefresher)(nil)

// Refresh exchanges cred's refresh token for a new credential
func (r *HTTPRefresher) Refresh(ctx context.Context, cred *tk.Credential) (*tk.Credential, error) {
	resp, err := postToken(ctx, r.Client, r.URL, "refresh", RefreshRequest{RefreshToken: cred.RefreshToken}, r.fatalCodes())
	if err != nil {
		return nil, err
	}
	next := tk.NewCredential(r.now(), resp.Auth.AccessToken, resp.Auth.RefreshToken, resp.Auth.TokenType, resp.Auth.ExpiresIn, cred)
	if len(resp.User) > 0 {
		next.User = resp.User
	}
	return next, nil
}

func (r *HTTPRefresher) fatalCodes() []int {
	if r.FatalCodes == nil {
		return DefaultFatalCodes
	}
	return r.FatalCodes
}

func (r *HTTPRefresher) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// postToken posts body as JSON to url and decodes the token envelope.
// Every failure is returned as a *tk.RefreshError.
func postToken(ctx context.Context, hc *http.Client, url, op string, body any, fatalCodes []int) (*TokenResponse, error) {
	if hc == nil {
		hc = http.DefaultClient
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		msg := "failed to connect to server"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "request timed out"
		}
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var tokenResp TokenResponse
	decodeErr := json.Unmarshal(data, &tokenResp)

	if rerr := classify(op, resp.StatusCode, &tokenResp, fatalCodes); rerr != nil {
		return nil, rerr
	}
	if decodeErr != nil {
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, StatusCode: resp.StatusCode, Message: "invalid response from server", Err: decodeErr}
	}
	if tokenResp.Auth == nil || tokenResp.Auth.AccessToken == "" {
		return nil, &tk.RefreshError{Op: op, Kind: tk.KindTransient, StatusCode: resp.StatusCode, Message: "response carries no access token"}
	}
	return &tokenResp, nil
}

// classify maps a response to an error, or nil on success.
// 401/403, invalid_grant/invalid_token and fatal rc codes reject the refresh
// token; everything else is transient.
func classify(op string, status int, body *TokenResponse, fatalCodes []int) *tk.RefreshError {
	rerr := &tk.RefreshError{Op: op, Kind: tk.KindTransient, StatusCode: status}

	switch {
	case body.Error != "":
		rerr.Code = body.Error
		rerr.Message = body.ErrorDesc
		if body.Error == "invalid_grant" || body.Error == "invalid_token" {
			rerr.Kind = tk.KindFatal
		}
	case body.RC != nil && body.RC.Code != 0:
		rerr.Code = strconv.Itoa(body.RC.Code)
		rerr.Message = body.RC.Msg
		if slices.Contains(fatalCodes, body.RC.Code) {
			rerr.Kind = tk.KindFatal
		}
	case status >= 200 && status < 300:
		return nil
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		rerr.Kind = tk.KindFatal
	}
	if rerr.Message == "" && rerr.Code == "" {
		rerr.Message = fmt.Sprintf("unexpected status %s", http.StatusText(status))
	}
	return rerr
}
