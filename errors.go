package tokenkeeper

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshInProgress is returned by RefreshNow when another refresh is
	// already in flight. It is not a failure: wait for that refresh instead.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrNoCredential means there is no credential (or no refresh token) to work with
	ErrNoCredential = errors.New("no credential")

	// ErrRefreshTokenRejected marks a fatal refresh failure: the refresh token
	// itself was refused and the user must authenticate again.
	ErrRefreshTokenRejected = errors.New("refresh token rejected")

	// ErrCredentialChanged means the credential was replaced or cleared while a
	// refresh was in flight, so its result was discarded.
	ErrCredentialChanged = errors.New("credential changed during refresh")
)

// ErrorKind classifies refresh failures
type ErrorKind int

const (
	// KindTransient failures (network, timeout, 5xx) are retried and never log the user out
	KindTransient ErrorKind = iota
	// KindFatal failures mean the refresh token is no longer usable
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// RefreshError describes a failed token request
type RefreshError struct {
	Op         string // "refresh", "login"
	Kind       ErrorKind
	StatusCode int    // HTTP status, 0 if the request never completed
	Code       string // server error code (rc.code or OAuth error), if any
	Message    string
	Err        error
}

func (e *RefreshError) Error() string {
	msg := e.Op + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is makes fatal errors match ErrRefreshTokenRejected
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshTokenRejected && e.Kind == KindFatal
}

// Fatal reports whether the error should end the session
func (e *RefreshError) Fatal() bool {
	return e.Kind == KindFatal
}

// IsFatal returns true if err means the refresh token was rejected
func IsFatal(err error) bool {
	return errors.Is(err, ErrRefreshTokenRejected)
}
