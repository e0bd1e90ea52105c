package grpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	tk "github.com/sitebook/tokenkeeper"
)

// fakeSource hands out cur and swaps in next on refresh
type fakeSource struct {
	cur        *tk.Credential
	next       *tk.Credential
	refreshErr error
	refreshes  atomic.Int32
	clock      clockwork.Clock
}

func (f *fakeSource) Current() *tk.Credential { return f.cur }

func (f *fakeSource) Clock() clockwork.Clock {
	if f.clock == nil {
		return clockwork.NewRealClock()
	}
	return f.clock
}

func (f *fakeSource) AwaitRefresh(ctx context.Context) (*tk.Credential, error) {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.cur = f.next
	return f.next, nil
}

// tokenInvoker rejects every call whose token is not valid
func tokenInvoker(valid string, seen *[]string) grpc.UnaryInvoker {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got := ""
		if v := md.Get("authorization"); len(v) > 0 {
			got = v[0]
		}
		*seen = append(*seen, got)
		if got != "Bearer "+valid {
			return status.Error(codes.Unauthenticated, "token expired")
		}
		return nil
	}
}

func TestUnaryClientInterceptor_AttachesToken(t *testing.T) {
	src := &fakeSource{cur: &tk.Credential{AccessToken: "a1"}}
	interceptor := UnaryClientInterceptor(src, nil)

	var seen []string
	err := interceptor(context.Background(), "/sites.Sites/List", nil, nil, nil, tokenInvoker("a1", &seen))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0] != "Bearer a1" {
		t.Errorf("seen = %v, want [Bearer a1]", seen)
	}
	if src.refreshes.Load() != 0 {
		t.Error("should not refresh on success")
	}
}

func TestUnaryClientInterceptor_RetriesOnceAfterRefresh(t *testing.T) {
	src := &fakeSource{
		cur:  &tk.Credential{AccessToken: "a1"},
		next: &tk.Credential{AccessToken: "a2"},
	}
	interceptor := UnaryClientInterceptor(src, nil)

	var seen []string
	err := interceptor(context.Background(), "/sites.Sites/List", nil, nil, nil, tokenInvoker("a2", &seen))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[1] != "Bearer a2" {
		t.Errorf("seen = %v, want retry with a2", seen)
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestUnaryClientInterceptor_NoSecondRefresh(t *testing.T) {
	src := &fakeSource{
		cur:  &tk.Credential{AccessToken: "a1"},
		next: &tk.Credential{AccessToken: "a2"},
	}
	interceptor := UnaryClientInterceptor(src, nil)

	var seen []string
	err := interceptor(context.Background(), "/sites.Sites/List", nil, nil, nil, tokenInvoker("a3", &seen))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("expected exactly two attempts, got %d", len(seen))
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestUnaryClientInterceptor_RefreshFails(t *testing.T) {
	src := &fakeSource{
		cur:        &tk.Credential{AccessToken: "a1"},
		refreshErr: tk.ErrRefreshTokenRejected,
	}
	interceptor := UnaryClientInterceptor(src, nil)

	var seen []string
	err := interceptor(context.Background(), "/sites.Sites/List", nil, nil, nil, tokenInvoker("a2", &seen))
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != "token expired" {
		t.Errorf("expected the original Unauthenticated error, got %v", err)
	}
	if len(seen) != 1 {
		t.Errorf("expected one attempt, got %d", len(seen))
	}
}

func TestUnaryClientInterceptor_OtherErrors(t *testing.T) {
	src := &fakeSource{cur: &tk.Credential{AccessToken: "a1"}}
	interceptor := UnaryClientInterceptor(src, nil)

	want := status.Error(codes.Unavailable, "down")
	err := interceptor(context.Background(), "/sites.Sites/List", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			return want
		})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
	if src.refreshes.Load() != 0 {
		t.Error("should not refresh on non-auth errors")
	}
}

func TestUnaryClientInterceptor_PublicMethod(t *testing.T) {
	src := &fakeSource{cur: &tk.Credential{AccessToken: "a1"}}
	interceptor := UnaryClientInterceptor(src, NewPublicMethodsConfig("/auth.Auth/Login"))

	var seen []string
	interceptor(context.Background(), "/auth.Auth/Login", nil, nil, nil, tokenInvoker("a1", &seen))
	if len(seen) != 1 || seen[0] != "" {
		t.Errorf("public method should be called without a token, seen %v", seen)
	}
	if src.refreshes.Load() != 0 {
		t.Error("public method should never refresh")
	}
}

func TestStreamClientInterceptor(t *testing.T) {
	src := &fakeSource{cur: &tk.Credential{AccessToken: "a1"}}
	interceptor := StreamClientInterceptor(src, nil)

	var got string
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		if v := md.Get("authorization"); len(v) > 0 {
			got = v[0]
		}
		return nil, nil
	}

	if _, err := interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/sites.Sites/Watch", streamer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Bearer a1" {
		t.Errorf("authorization = %q, want Bearer a1", got)
	}
}

func TestStreamClientInterceptor_RefreshesExpired(t *testing.T) {
	src := &fakeSource{
		cur:  &tk.Credential{AccessToken: "a1", ExpiresAt: time.Now().Add(-time.Minute)},
		next: &tk.Credential{AccessToken: "a2", ExpiresAt: time.Now().Add(time.Hour)},
	}
	interceptor := StreamClientInterceptor(src, nil)

	var got string
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("authorization")[0]
		return nil, nil
	}

	interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/sites.Sites/Watch", streamer)
	if got != "Bearer a2" {
		t.Errorf("authorization = %q, want Bearer a2", got)
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func captureStreamAuth(got *string) grpc.Streamer {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		if v := md.Get("authorization"); len(v) > 0 {
			*got = v[0]
		}
		return nil, nil
	}
}

func TestStreamClientInterceptor_UsesSourceClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	src := &fakeSource{
		cur:   &tk.Credential{AccessToken: "a1", ExpiresAt: clock.Now().Add(time.Hour)},
		next:  &tk.Credential{AccessToken: "a2", ExpiresAt: clock.Now().Add(3 * time.Hour)},
		clock: clock,
	}
	interceptor := StreamClientInterceptor(src, nil)

	var got string
	interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/sites.Sites/Watch", captureStreamAuth(&got))
	if got != "Bearer a1" {
		t.Errorf("authorization = %q, want Bearer a1 while the source clock says it is valid", got)
	}
	if n := src.refreshes.Load(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}

	clock.Advance(time.Hour + time.Second)
	interceptor(context.Background(), &grpc.StreamDesc{}, nil, "/sites.Sites/Watch", captureStreamAuth(&got))
	if got != "Bearer a2" {
		t.Errorf("authorization = %q, want Bearer a2 after expiry", got)
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}
