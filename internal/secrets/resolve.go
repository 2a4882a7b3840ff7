package secrets

import (
	"context"
	"fmt"
)

// ResolveTokenSecret returns raw when set, otherwise unseals ciphertext
// through the provider described by cfg.
func ResolveTokenSecret(ctx context.Context, raw, ciphertext string, cfg Config) ([]byte, error) {
	if raw != "" {
		return []byte(raw), nil
	}
	if ciphertext == "" {
		return nil, fmt.Errorf("no token secret configured: set TOKEN_SECRET or TOKEN_SECRET_CIPHERTEXT")
	}

	provider, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	secret, err := Unseal(ctx, provider, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal token secret: %w", err)
	}
	return secret, nil
}
