package grpc

import (
	"context"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	tk "github.com/sitebook/tokenkeeper"
)

// TokenSource is what the interceptors need from the lifecycle manager
type TokenSource interface {
	Current() *tk.Credential
	AwaitRefresh(ctx context.Context) (*tk.Credential, error)

	// Clock is the clock expiry is judged against
	Clock() clockwork.Clock
}

func prepare(config *Config) *Config {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()
	return config
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that attaches
// the current token. A call failing with codes.Unauthenticated is retried once
// after a successful refresh; otherwise the original error is returned.
func UnaryClientInterceptor(src TokenSource, config *Config) grpc.UnaryClientInterceptor {
	config = prepare(config)

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.PublicMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		sent := src.Current()
		err := invoker(WithCredential(ctx, sent, config.MetadataKeyAuthorization), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		cred := src.Current()
		if cred == nil || sent == nil || cred.AccessToken == sent.AccessToken {
			var rerr error
			if cred, rerr = src.AwaitRefresh(ctx); rerr != nil || cred == nil {
				return err
			}
		}
		return invoker(WithCredential(ctx, cred, config.MetadataKeyAuthorization), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor that
// attaches the current token. Streams are not replayed, so an expired token
// is refreshed before opening the stream instead.
func StreamClientInterceptor(src TokenSource, config *Config) grpc.StreamClientInterceptor {
	config = prepare(config)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if config.PublicMethods[method] {
			return streamer(ctx, desc, cc, method, opts...)
		}
		cred := src.Current()
		if cred != nil && cred.IsExpired(src.Clock().Now()) {
			if next, err := src.AwaitRefresh(ctx); err == nil && next != nil {
				cred = next
			}
		}
		return streamer(WithCredential(ctx, cred, config.MetadataKeyAuthorization), desc, cc, method, opts...)
	}
}
