package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatherkit/oauth/storage"
)

// The verification engine deletes prior unconsumed codes before issuing a
// new one, so at most one live code exists per address. That invariant is
// what makes a single mfa:{email} key a faithful representation; the
// mfaid:{id} index exists only so the by-ID operations can find it.

// SaveMFACode stores a verification code under its email address
func (s *Store) SaveMFACode(ctx context.Context, code *storage.MFACode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("MFA code ID cannot be empty")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("MFA code already expired")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal MFA code: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.mfaKey(code.Email)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save MFA code: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.mfaIDKey(code.ID)).Value(code.Email).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save MFA code index: %w", err)
	}

	s.logger.Debug("Saved MFA code", "code_id", code.ID)
	return nil
}

// GetMFACode returns a code by ID, consumed or not
func (s *Store) GetMFACode(ctx context.Context, id string) (*storage.MFACode, error) {
	email, err := s.client.Do(ctx, s.client.B().Get().Key(s.mfaIDKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to resolve MFA code ID: %w", err)
	}

	code, err := s.getMFACodeByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if code.ID != id {
		return nil, fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}
	return code, nil
}

// LatestUnconsumedMFACode returns the live code for the email, or
// ErrNotFound when none exists or it has been consumed
func (s *Store) LatestUnconsumedMFACode(ctx context.Context, email string) (*storage.MFACode, error) {
	code, err := s.getMFACodeByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if code.Consumed() {
		return nil, fmt.Errorf("%w: MFA code for email", storage.ErrNotFound)
	}
	return code, nil
}

// MarkMFACodeConsumed stamps the code's consumption time. The record keeps
// its TTL and ages out naturally.
func (s *Store) MarkMFACodeConsumed(ctx context.Context, id string, at time.Time) error {
	return s.updateMFACodeByID(ctx, id, func(code *storage.MFACode) {
		code.ConsumedAt = &at
	})
}

// IncrementMFACodeAttempts bumps the failed-attempt counter via a Lua
// script, so concurrent wrong guesses all count.
func (s *Store) IncrementMFACodeAttempts(ctx context.Context, id string) error {
	email, err := s.client.Do(ctx, s.client.B().Get().Key(s.mfaIDKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("failed to resolve MFA code ID: %w", err)
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementMFAAttempts).
			Numkeys(1).
			Key(s.mfaKey(email)).
			Arg(id).
			Build(),
	).ToInt64()
	if err != nil {
		return fmt.Errorf("failed to increment MFA code attempts: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}
	return nil
}

// DeleteUnconsumedMFACodes removes the live code for an email if it has
// not been consumed
func (s *Store) DeleteUnconsumedMFACodes(ctx context.Context, email string) error {
	code, err := s.getMFACodeByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if code.Consumed() {
		return nil
	}
	return s.deleteMFAKeys(ctx, code)
}

// DeleteMFACode removes a single code by ID
func (s *Store) DeleteMFACode(ctx context.Context, id string) error {
	email, err := s.client.Do(ctx, s.client.B().Get().Key(s.mfaIDKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to resolve MFA code ID: %w", err)
	}

	code, err := s.getMFACodeByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if code.ID != id {
		// The email key already holds a newer code; drop only the index
		return s.client.Do(ctx, s.client.B().Del().Key(s.mfaIDKey(id)).Build()).Error()
	}
	return s.deleteMFAKeys(ctx, code)
}

func (s *Store) getMFACodeByEmail(ctx context.Context, email string) (*storage.MFACode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.mfaKey(email)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: MFA code for email", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get MFA code: %w", err)
	}

	var code storage.MFACode
	if err := json.Unmarshal([]byte(data), &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MFA code: %w", err)
	}
	return &code, nil
}

func (s *Store) updateMFACodeByID(ctx context.Context, id string, mutate func(*storage.MFACode)) error {
	email, err := s.client.Do(ctx, s.client.B().Get().Key(s.mfaIDKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
		}
		return fmt.Errorf("failed to resolve MFA code ID: %w", err)
	}

	code, err := s.getMFACodeByEmail(ctx, email)
	if err != nil {
		return err
	}
	if code.ID != id {
		return fmt.Errorf("%w: MFA code %s", storage.ErrNotFound, id)
	}

	mutate(code)

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal MFA code: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.mfaKey(email)).Value(string(data)).Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to update MFA code: %w", err)
	}
	return nil
}

func (s *Store) deleteMFAKeys(ctx context.Context, code *storage.MFACode) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.mfaKey(code.Email)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete MFA code: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.mfaIDKey(code.ID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete MFA code index: %w", err)
	}
	return nil
}
