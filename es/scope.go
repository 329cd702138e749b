package es

import "context"

type tenantKey struct{}

// WithTenant returns a context carrying an opaque tenant scope token.
// The token is included in every storage key and query predicate; it is never interpreted.
func WithTenant(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tenantKey{}, token)
}

// TenantFrom returns the tenant scope token of ctx, or "" when none is set.
func TenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// Cipher is the optional security hook applied around payload compression.
// Encrypt runs after compression on write; Decrypt runs before decompression on read.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
