// Package grpc carries tokenkeeper credentials on gRPC calls. The client
// interceptors attach the current access token as metadata and renew it once
// when a call fails with codes.Unauthenticated.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	tk "github.com/sitebook/tokenkeeper"
)

// Default metadata settings.
// These can be customized via Config if needed.
const (
	// DefaultMetadataKeyAuthorization is the gRPC metadata key carrying the token
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultScheme prefixes the token when the credential names no type
	DefaultScheme = tk.DefaultTokenType
)

// Config holds the metadata configuration for the interceptors.
type Config struct {
	// MetadataKeyAuthorization is the gRPC metadata key for the token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string

	// PublicMethods are full method names ("/package.Service/Method") that
	// are invoked without a token and never trigger a refresh.
	PublicMethods map[string]bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		PublicMethods:            make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *Config {
	config := DefaultConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
}

// WithCredential returns ctx with cred set as the outgoing authorization
// metadata, replacing any value already present.
func WithCredential(ctx context.Context, cred *tk.Credential, key string) context.Context {
	if key == "" {
		key = DefaultMetadataKeyAuthorization
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(key)
	if cred != nil && cred.AccessToken != "" {
		md.Set(key, cred.AuthorizationValue())
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// BearerFromIncomingContext extracts the token from incoming metadata.
// Returns empty string when the metadata is missing or not a bearer token.
func BearerFromIncomingContext(ctx context.Context) string {
	return BearerFromIncomingContextWithKey(ctx, DefaultMetadataKeyAuthorization)
}

// BearerFromIncomingContextWithKey extracts the token using a custom metadata key.
func BearerFromIncomingContextWithKey(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	scheme, token, ok := strings.Cut(values[0], " ")
	if !ok || !strings.EqualFold(scheme, DefaultScheme) {
		return ""
	}
	return strings.TrimSpace(token)
}
