package webhook

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/znz-systems/relaywarm/internal/store"
)

const (
	secretSettingKey = "webhook_secret"
	secretLength     = 64
	secretAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// SecretProvider lazily creates and caches the shared webhook secret.
type SecretProvider struct {
	settings store.SettingStore

	mu     sync.Mutex
	secret string
}

func NewSecretProvider(settings store.SettingStore) *SecretProvider {
	return &SecretProvider{settings: settings}
}

// Secret returns the persisted secret, generating one on first use.
func (p *SecretProvider) Secret(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secret != "" {
		return p.secret, nil
	}

	secret, err := p.settings.GetSetting(ctx, secretSettingKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load webhook secret: %w", err)
	}
	if secret == "" {
		generated, err := GenerateSecret()
		if err != nil {
			return "", err
		}
		if secret, err = p.settings.PutSettingIfAbsent(ctx, secretSettingKey, generated); err != nil {
			return "", fmt.Errorf("store webhook secret: %w", err)
		}
	}
	p.secret = secret
	return secret, nil
}

// Verify reports whether token matches the secret. Both sides are hashed to
// a fixed length first so the comparison time does not depend on the
// length of the supplied token.
func (p *SecretProvider) Verify(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	secret, err := p.Secret(ctx)
	if err != nil {
		return false, err
	}
	return TokensEqual(secret, token), nil
}

func TokensEqual(secret, token string) bool {
	a := blake2b.Sum256([]byte(secret))
	b := blake2b.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func GenerateSecret() (string, error) {
	buf := make([]byte, secretLength)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate webhook secret: %w", err)
		}
		buf[i] = secretAlphabet[n.Int64()]
	}
	return string(buf), nil
}
