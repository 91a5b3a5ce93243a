package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/gateway/internal/projectstore"
)

// ============================================================================
// CREDENTIAL RESOLVER - API key auth + BYOK/pool provider secret resolution
// ============================================================================

type credError string

func (e credError) Error() string { return string(e) }

const (
	// ErrUnauthorized covers malformed, unknown, inactive and expired keys.
	ErrUnauthorized = credError("invalid api key")
	// ErrProjectMismatch is returned when the key does not belong to the
	// project named in the request.
	ErrProjectMismatch = credError("api key does not belong to project")
	// ErrPaidModelRequiresBYOK means the project has no provider credential
	// and the model is not on the free-tier allowlist.
	ErrPaidModelRequiresBYOK = credError("paid model requires a provider key")
)

// Source tells the pipeline which credential class served the request.
type Source string

const (
	SourceBYOK Source = "byok"
	SourcePool Source = "pool"
)

// Resolved is the outcome of a successful Resolve call. Secret is plaintext
// and must never be logged or serialized.
type Resolved struct {
	Secret      string
	Source      Source
	IsFreeModel bool
}

// Store is the slice of the project store the resolver needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (*projectstore.Project, error)
	GetAPIKey(ctx context.Context, keyID string) (*projectstore.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID string) error
	ListProviderKeys(ctx context.Context, projectID, provider string) ([]projectstore.ProviderKey, error)
	TouchProviderKey(ctx context.Context, id string) error
}

// PoolKeys maps provider name to the shared pool secret. Empty entries mean
// the pool has no key for that provider.
type PoolKeys map[string]string

// Resolver authenticates gateway API keys and resolves provider secrets.
type Resolver struct {
	store  Store
	cipher *Cipher
	pool   PoolKeys
	logger zerolog.Logger
}

func NewResolver(store Store, cipher *Cipher, pool PoolKeys, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cipher: cipher,
		pool:   pool,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// Authenticate validates an api key of the form gw_<key_id>.<secret> and
// returns the owning project. Only the bcrypt hash of the secret part is
// stored; the key id is the lookup handle.
func (r *Resolver) Authenticate(ctx context.Context, apiKey string) (*projectstore.Project, error) {
	if !strings.HasPrefix(apiKey, "gw_") {
		return nil, ErrUnauthorized
	}
	parts := strings.SplitN(strings.TrimPrefix(apiKey, "gw_"), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrUnauthorized
	}
	keyID, secret := parts[0], parts[1]

	key, err := r.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if key == nil || !key.IsActive {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrUnauthorized
	}

	project, err := r.store.GetProject(ctx, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project lookup failed: %w", err)
	}
	if project == nil || project.Status == "suspended" {
		return nil, ErrUnauthorized
	}

	// last_used_at bookkeeping stays off the request path.
	go func() {
		if err := r.store.TouchAPIKey(context.Background(), keyID); err != nil {
			r.logger.Warn().Err(err).Msg("failed to touch api key")
		}
	}()

	return project, nil
}

// AuthenticateFor validates the key and enforces that it belongs to the
// given project when projectID is non-empty.
func (r *Resolver) AuthenticateFor(ctx context.Context, apiKey, projectID string) (*projectstore.Project, error) {
	project, err := r.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if projectID != "" && project.ProjectID != projectID {
		return nil, ErrProjectMismatch
	}
	return project, nil
}

// Resolve picks the provider secret for (project, provider, model).
// BYOK credentials win; otherwise free-tier models may use the pool.
func (r *Resolver) Resolve(ctx context.Context, projectID, provider, model string) (*Resolved, error) {
	keys, err := r.store.ListProviderKeys(ctx, projectID, provider)
	if err != nil {
		return nil, fmt.Errorf("provider key lookup failed: %w", err)
	}

	for _, key := range keys {
		secret, err := r.cipher.Decrypt(key.EncryptedSecret, key.IV)
		if err != nil {
			// Undecryptable rows are treated as unavailable, not fatal.
			r.logger.Warn().
				Str("project_id", projectID).
				Str("provider", provider).
				Int("priority", key.Priority).
				Msg("provider key failed authenticated decryption, skipping")
			continue
		}

		id := key.ID
		go func() {
			if err := r.store.TouchProviderKey(context.Background(), id); err != nil {
				r.logger.Warn().Err(err).Msg("failed to touch provider key")
			}
		}()

		return &Resolved{
			Secret:      secret,
			Source:      SourceBYOK,
			IsFreeModel: IsFreeModel(model),
		}, nil
	}

	if IsFreeModel(model) {
		if secret := r.pool[provider]; secret != "" {
			return &Resolved{Secret: secret, Source: SourcePool, IsFreeModel: true}, nil
		}
	}

	return nil, ErrPaidModelRequiresBYOK
}

// IsAuthError reports whether err maps to a 401/403 class failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrProjectMismatch)
}
