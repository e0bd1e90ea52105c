package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tk "github.com/sitebook/tokenkeeper"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   TokenResponse
		want   *tk.ErrorKind
		code   string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   TokenResponse{RC: &ResultCode{Code: 0}},
		},
		{
			name:   "success without rc",
			status: http.StatusOK,
		},
		{
			name:   "unauthorized status",
			status: http.StatusUnauthorized,
			want:   kind(tk.KindFatal),
		},
		{
			name:   "forbidden status",
			status: http.StatusForbidden,
			want:   kind(tk.KindFatal),
		},
		{
			name:   "fatal rc code on 200",
			status: http.StatusOK,
			body:   TokenResponse{RC: &ResultCode{Code: 10401, Msg: "refresh token expired"}},
			want:   kind(tk.KindFatal),
			code:   "10401",
		},
		{
			name:   "other rc code",
			status: http.StatusOK,
			body:   TokenResponse{RC: &ResultCode{Code: 50001, Msg: "try later"}},
			want:   kind(tk.KindTransient),
			code:   "50001",
		},
		{
			name:   "invalid grant",
			status: http.StatusBadRequest,
			body:   TokenResponse{Error: "invalid_grant"},
			want:   kind(tk.KindFatal),
			code:   "invalid_grant",
		},
		{
			name:   "other oauth error",
			status: http.StatusBadRequest,
			body:   TokenResponse{Error: "invalid_request"},
			want:   kind(tk.KindTransient),
			code:   "invalid_request",
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			want:   kind(tk.KindTransient),
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			want:   kind(tk.KindTransient),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("refresh", tt.status, &tt.body, DefaultFatalCodes)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("classify() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("classify() = nil, want error")
			}
			if err.Kind != *tt.want {
				t.Errorf("Kind = %v, want %v", err.Kind, *tt.want)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if err.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", err.StatusCode, tt.status)
			}
		})
	}
}

func kind(k tk.ErrorKind) *tk.ErrorKind { return &k }

func TestClassify_CustomFatalCodes(t *testing.T) {
	err := classify("refresh", http.StatusOK, &TokenResponse{RC: &ResultCode{Code: 4001}}, []int{4001})
	if err == nil || !err.Fatal() {
		t.Fatalf("expected fatal error, got %v", err)
	}
	err = classify("refresh", http.StatusOK, &TokenResponse{RC: &ResultCode{Code: 10401}}, []int{4001})
	if err == nil || err.Fatal() {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHTTPRefresher_Success(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req RefreshRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "R1" {
			t.Errorf("refresh_token = %q, want R1", req.RefreshToken)
		}
		w.Write([]byte(`{"rc":{"code":0},"auth":{"access_token":"A2","refresh_token":"R2","expires_in":1800}}`))
	}))
	defer server.Close()

	r := &HTTPRefresher{URL: server.URL, Now: func() time.Time { return now }}
	cred, err := r.Refresh(context.Background(), &tk.Credential{
		AccessToken:  "A1",
		RefreshToken: "R1",
		User:         json.RawMessage(`{"id":"u1"}`),
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.AccessToken != "A2" || cred.RefreshToken != "R2" {
		t.Errorf("got %s/%s, want A2/R2", cred.AccessToken, cred.RefreshToken)
	}
	if !cred.ExpiresAt.Equal(now.Add(1800 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, now.Add(1800*time.Second))
	}
	if string(cred.User) != `{"id":"u1"}` {
		t.Errorf("User = %s, want profile kept", cred.User)
	}
}

func TestHTTPRefresher_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		fatal  bool
	}{
		{"rejected", http.StatusUnauthorized, `{"rc":{"code":10401,"msg":"invalid refresh token"}}`, true},
		{"fatal rc", http.StatusOK, `{"rc":{"code":10401}}`, true},
		{"server error", http.StatusInternalServerError, `oops`, false},
		{"garbage", http.StatusOK, `<html>`, false},
		{"no token", http.StatusOK, `{"rc":{"code":0},"auth":{}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := (&HTTPRefresher{URL: server.URL}).Refresh(context.Background(), &tk.Credential{RefreshToken: "R1"})
			var re *tk.RefreshError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RefreshError, got %v", err)
			}
			if got := tk.IsFatal(err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v (%v)", got, tt.fatal, err)
			}
		})
	}
}

func TestHTTPRefresher_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := (&HTTPRefresher{URL: url}).Refresh(context.Background(), &tk.Credential{RefreshToken: "R1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if tk.IsFatal(err) {
		t.Errorf("network failure must be transient, got %v", err)
	}
}

func TestHTTPRefresher_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := (&HTTPRefresher{URL: server.URL}).Refresh(ctx, &tk.Credential{RefreshToken: "R1"})
	if err == nil || tk.IsFatal(err) {
		t.Errorf("expected transient timeout, got %v", err)
	}
}
