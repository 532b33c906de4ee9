package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// The per-user secondary indices (session ids, refresh token jtis) are kept
// as JSON-encoded string sets. The store contract exposes no native set
// operations, so mutations go through a bounded compare-and-swap retry loop.

const setCASAttempts = 16

// ReadSet returns the members of the set at key. A missing key is an empty
// set, not an error.
func ReadSet(ctx context.Context, s Store, key string) ([]string, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("corrupt set at %s: %w", key, err)
	}
	return members, nil
}

// AddToSet inserts member into the set at key, creating it if absent, and
// refreshes the key's ttl.
func AddToSet(ctx context.Context, s Store, key, member string, ttl time.Duration) error {
	return mutateSet(ctx, s, key, ttl, func(members []string) []string {
		if slices.Contains(members, member) {
			return members
		}
		return append(members, member)
	})
}

// RemoveFromSet removes member from the set at key. Removing from a missing
// set is a no-op.
func RemoveFromSet(ctx context.Context, s Store, key, member string, ttl time.Duration) error {
	return mutateSet(ctx, s, key, ttl, func(members []string) []string {
		return slices.DeleteFunc(members, func(m string) bool { return m == member })
	})
}

func mutateSet(ctx context.Context, s Store, key string, ttl time.Duration, mutate func([]string) []string) error {
	for attempt := 0; attempt < setCASAttempts; attempt++ {
		raw, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}

		var members []string
		if raw != nil {
			if err := json.Unmarshal(raw, &members); err != nil {
				// A corrupt index is rebuilt rather than kept broken. The
				// corrupt bytes stay as the CAS expectation so the rebuild
				// can land over them.
				members = nil
			}
		}

		mutated := mutate(members)
		if mutated == nil {
			mutated = []string{}
		}
		replacement, err := json.Marshal(mutated)
		if err != nil {
			return fmt.Errorf("marshal set at %s: %w", key, err)
		}

		if raw == nil {
			ok, err := s.SetNX(ctx, key, replacement, ttl)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue // someone created it first, retry against their value
		}

		ok, err := s.CompareAndSwap(ctx, key, raw, replacement, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("set at %s: too many concurrent updates", key)
}
