// Package keystore implements the authentication fast path of spec.md
// §4.1: hashed API key lookup in a copy-on-write in-memory map, backed by a
// SQL store and refreshed on demand or by a background reconciler — the
// same atomic-swap discipline models.PriceCatalog uses for price data.
package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/gatewayerr"
)

// HashKey returns the lookup hash for a raw API key value. Only the hash is
// ever kept hot in memory; the encrypted value is decrypted lazily.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ResolvedKey is what C1 hands back to the coordinator on success.
type ResolvedKey struct {
	ApiKeyID           string
	AllowedUpstreamIDs []string
}

// SQLStore is the persistence backend for ApiKey rows.
type SQLStore interface {
	ListActive(ctx context.Context) ([]domain.ApiKey, error)
	Get(ctx context.Context, id string) (domain.ApiKey, bool, error)
}

// Store is the process-wide keystore singleton. Tests inject a fresh
// instance instead of relying on module-level state, per spec.md §9.
type Store struct {
	byHash atomic.Pointer[map[string]domain.ApiKey]
	sql    SQLStore
	now    func() time.Time
}

// New creates an empty Store backed by sql. Call Refresh before serving
// traffic.
func New(sql SQLStore) *Store {
	s := &Store{sql: sql, now: time.Now}
	empty := map[string]domain.ApiKey{}
	s.byHash.Store(&empty)
	return s
}

// Refresh reloads every active key from the SQL store and atomically swaps
// the in-memory map. Readers never block on a refresh in progress.
func (s *Store) Refresh(ctx context.Context) error {
	keys, err := s.sql.ListActive(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]domain.ApiKey, len(keys))
	for _, k := range keys {
		next[k.KeyHash] = k
	}
	s.byHash.Store(&next)
	return nil
}

// Start launches a background refresher, re-loading every interval until
// done is closed.
func (s *Store) Start(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = s.Refresh(context.Background())
			}
		}
	}()
}

// Resolve authenticates a raw key value by its hash. It checks the hot
// in-memory map first; on a miss it falls through to the SQL store in case
// the key was created after the last refresh, per spec.md §4.1's
// "ordered-sensitive fast path" note.
func (s *Store) Resolve(ctx context.Context, rawKey string) (ResolvedKey, error) {
	hash := HashKey(rawKey)

	m := *s.byHash.Load()
	if k, ok := m[hash]; ok {
		return s.checkAndResolve(k)
	}

	// Cache miss: the SQL store is consulted directly rather than failing
	// fast, so a key created moments ago (before the next Refresh) isn't
	// spuriously rejected.
	keys, err := s.sql.ListActive(ctx)
	if err != nil {
		return ResolvedKey{}, gatewayerr.Wrap(gatewayerr.Unauthorized, "keystore lookup failed", err)
	}
	for _, k := range keys {
		if k.KeyHash == hash {
			return s.checkAndResolve(k)
		}
	}
	return ResolvedKey{}, gatewayerr.New(gatewayerr.Unauthorized, "unknown api key")
}

func (s *Store) checkAndResolve(k domain.ApiKey) (ResolvedKey, error) {
	if !k.Active {
		return ResolvedKey{}, gatewayerr.New(gatewayerr.Unauthorized, "api key disabled")
	}
	if k.Expired(s.now()) {
		return ResolvedKey{}, gatewayerr.New(gatewayerr.Unauthorized, "api key expired")
	}
	return ResolvedKey{ApiKeyID: k.ID, AllowedUpstreamIDs: k.AllowedUpstreamIDs}, nil
}

// ErrLegacyKey is returned by Reveal when a key predates encrypted storage
// and has no recoverable value, per spec.md §6's revealApiKey contract.
var ErrLegacyKey = gatewayerr.New(gatewayerr.Forbidden, "legacy_key")

// Reveal decrypts and returns a key's plaintext value, gated by the caller
// (the admin HTTP layer enforces the ALLOW_KEY_REVEAL policy flag before
// calling this).
func (s *Store) Reveal(ctx context.Context, keyID string, decrypt func([]byte) (string, error)) (string, error) {
	k, ok, err := s.sql.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", gatewayerr.New(gatewayerr.Unauthorized, "api key not found")
	}
	if len(k.KeyValueEncrypted) == 0 {
		return "", ErrLegacyKey
	}
	return decrypt(k.KeyValueEncrypted)
}
