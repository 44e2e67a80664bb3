package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store spreads a Session across two partitions. Session keys go to the
// durable partition when RememberMe is set and to the ephemeral partition
// otherwise. The refresh token is always written to the durable partition,
// since it is the only credential able to revive a session.
//
// Cached JSON blobs follow the session: they are written to whichever
// partition currently holds the access token.
type Store struct {
	mu        sync.Mutex
	durable   Partition
	ephemeral Partition
}

// NewStore creates a Store over the given partitions.
func NewStore(durable, ephemeral Partition) *Store {
	return &Store{
		durable:   durable,
		ephemeral: ephemeral,
	}
}

// Durable returns the durable partition.
func (s *Store) Durable() Partition { return s.durable }

// Ephemeral returns the session-only partition.
func (s *Store) Ephemeral() Partition { return s.ephemeral }

// Save persists sess, replacing any session previously stored. Keys left in
// the partition that is not selected by RememberMe are removed.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if !sess.Authenticated() {
		return errors.New("session: refusing to save a session without an access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.ephemeral, s.durable
	if sess.RememberMe {
		target, other = s.durable, s.ephemeral
	}

	if err := other.Delete(ctx, sessionKeys...); err != nil {
		return fmt.Errorf("removing stale session keys: %w", err)
	}

	values := map[string]string{
		KeyAccessToken:       sess.AccessToken,
		KeyAccountID:         sess.AccountID,
		KeyAccountUserID:     sess.AccountUserID,
		KeyRememberMe:        strconv.FormatBool(sess.RememberMe),
		KeyFirstAccess:       strconv.FormatBool(sess.FirstAccess),
		KeyPasswordConfirmed: strconv.FormatBool(sess.PasswordConfirmed),
		KeyUserImage:         sess.UserImage,
	}
	if !sess.ExpiresAt.IsZero() {
		values[KeyExpiresAt] = sess.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	for _, key := range sessionKeys {
		v, ok := values[key]
		if !ok {
			if err := target.Delete(ctx, key); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
			continue
		}
		if err := target.Set(ctx, key, v); err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
	}

	if sess.RefreshToken != "" {
		if err := s.durable.Set(ctx, KeyRefreshToken, sess.RefreshToken); err != nil {
			return fmt.Errorf("writing refresh token: %w", err)
		}
	} else if err := s.durable.Delete(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}

// Load reads the stored session. Returns nil, nil when no access token is
// stored in either partition.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.active(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(sessionKeys))
	for _, key := range sessionKeys {
		v, ok, err := part.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		if ok {
			values[key] = v
		}
	}
	if values[KeyAccessToken] == "" {
		return nil, nil //nolint:nilnil // nil session means anonymous
	}

	refresh, _, err := s.durable.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	sess := &Session{
		AccessToken:       values[KeyAccessToken],
		RefreshToken:      refresh,
		AccountID:         values[KeyAccountID],
		AccountUserID:     values[KeyAccountUserID],
		RememberMe:        parseBool(values[KeyRememberMe]),
		FirstAccess:       parseBool(values[KeyFirstAccess]),
		PasswordConfirmed: parseBool(values[KeyPasswordConfirmed]),
		UserImage:         values[KeyUserImage],
	}
	if raw := values[KeyExpiresAt]; raw != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", KeyExpiresAt, err)
		}
		sess.ExpiresAt = expiresAt
	}
	return sess, nil
}

// AccessToken returns the stored access token, or "" when there is none.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	return s.activeValue(ctx, KeyAccessToken)
}

// AccountID returns the account the stored session is scoped to.
func (s *Store) AccountID(ctx context.Context) (string, error) {
	return s.activeValue(ctx, KeyAccountID)
}

// RefreshToken returns the refresh token from the durable partition.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	v, _, err := s.durable.Get(ctx, KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	return v, nil
}

// UpdateAccessToken replaces the access token and its expiry in the
// partition currently holding the session.
func (s *Store) UpdateAccessToken(ctx context.Context, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.active(ctx)
	if err != nil {
		return err
	}
	if err := part.Set(ctx, KeyAccessToken, token); err != nil {
		return fmt.Errorf("writing access token: %w", err)
	}
	if err := part.Set(ctx, KeyExpiresAt, expiresAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("writing token expiry: %w", err)
	}
	return nil
}

// UpdateRefreshToken replaces the refresh token in the durable partition.
func (s *Store) UpdateRefreshToken(ctx context.Context, token string) error {
	if err := s.durable.Set(ctx, KeyRefreshToken, token); err != nil {
		return fmt.Errorf("writing refresh token: %w", err)
	}
	return nil
}

// SetFlags updates the first-access and password-confirmed flags.
func (s *Store) SetFlags(ctx context.Context, firstAccess, passwordConfirmed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.active(ctx)
	if err != nil {
		return err
	}
	if err := part.Set(ctx, KeyFirstAccess, strconv.FormatBool(firstAccess)); err != nil {
		return fmt.Errorf("writing %s: %w", KeyFirstAccess, err)
	}
	if err := part.Set(ctx, KeyPasswordConfirmed, strconv.FormatBool(passwordConfirmed)); err != nil {
		return fmt.Errorf("writing %s: %w", KeyPasswordConfirmed, err)
	}
	return nil
}

// PutJSON stores v as a JSON blob under CachePrefix+name.
func (s *Store) PutJSON(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.active(ctx)
	if err != nil {
		return err
	}
	if err := part.Set(ctx, CachePrefix+name, string(data)); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// GetJSON decodes the blob stored under CachePrefix+name into v. ok is false
// when nothing is stored.
func (s *Store) GetJSON(ctx context.Context, name string, v any) (bool, error) {
	raw, err := s.activeValue(ctx, CachePrefix+name)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", name, err)
	}
	return true, nil
}

// DeleteJSON removes the blob stored under CachePrefix+name from both
// partitions.
func (s *Store) DeleteJSON(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, part := range []Partition{s.durable, s.ephemeral} {
		if err := part.Delete(ctx, CachePrefix+name); err != nil {
			return fmt.Errorf("deleting %s: %w", name, err)
		}
	}
	return nil
}

// Clear empties both partitions. It is safe to call on an empty store.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.durable.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing durable partition: %w", err))
	}
	if err := s.ephemeral.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing session partition: %w", err))
	}
	return errors.Join(errs...)
}

// Close closes both partitions.
func (s *Store) Close() error {
	return errors.Join(s.durable.Close(), s.ephemeral.Close())
}

// activeValue reads key from the partition currently holding the session.
func (s *Store) activeValue(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.active(ctx)
	if err != nil {
		return "", err
	}
	v, _, err := part.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

// active returns the partition holding the access token: durable first,
// falling back to the ephemeral partition. Callers hold s.mu.
func (s *Store) active(ctx context.Context) (Partition, error) {
	token, ok, err := s.durable.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("reading durable access token: %w", err)
	}
	if ok && token != "" {
		return s.durable, nil
	}
	return s.ephemeral, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
