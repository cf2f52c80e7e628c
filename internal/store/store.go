// Package store owns the mutable verification state: issued challenges,
// nonce watermarks and validation tokens. Two backends implement the same
// contract, an in-process sharded map and a Redis client, selected once
// at startup.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChallengeNotFound covers never-issued, expired and
	// already-consumed challenges alike; callers cannot tell these
	// apart, which keeps probing uninformative.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrBackendUnavailable wraps transient failures of a remote
	// backend. It is propagated, never converted to not-found.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// Claim is the state recorded when a challenge was issued, returned once
// by Take.
type Claim struct {
	SiteKey          string `json:"site_key"`
	DifficultyFactor uint32 `json:"difficulty_factor"`
	ExpiresAt        int64  `json:"expires_at"`
}

// Store is the verification state backend.
//
// Take and CheckAndAdvance are atomic per key: of N concurrent takes of
// one challenge string exactly one succeeds, and of N concurrent
// submissions of the same nonce exactly one advances the watermark.
type Store interface {
	// Issue mints an unguessable challenge string and records its
	// claim with the given TTL.
	Issue(ctx context.Context, site string, difficulty uint32, ttl time.Duration) (string, error)

	// Take atomically fetches and removes a challenge. Expired entries
	// are invisible even if not yet swept.
	Take(ctx context.Context, challenge string) (*Claim, error)

	// CheckAndAdvance accepts nonce iff it is strictly above the
	// (site, difficulty) watermark, advancing the watermark to it.
	// Rejected submissions leave the watermark untouched.
	CheckAndAdvance(ctx context.Context, site string, difficulty uint32, nonce uint64) (bool, error)

	// Watermark reads the current high-water mark; unseen keys are 0.
	Watermark(ctx context.Context, site string, difficulty uint32) (uint64, error)

	// PutToken records a single-use validation token.
	PutToken(ctx context.Context, token, site string, ttl time.Duration) error

	// Redeem consumes a token, reporting whether it was live. A second
	// redeem of the same token always reports false.
	Redeem(ctx context.Context, token string) (bool, error)

	// RenameSite moves watermark ownership to a new site key.
	RenameSite(ctx context.Context, oldKey, newKey string) error

	// RemoveSite drops all watermarks for a site.
	RemoveSite(ctx context.Context, site string) error

	// Sweep reclaims expired entries. Correctness never depends on it;
	// Take's lazy expiry check is the source of truth.
	Sweep(ctx context.Context) error

	Close() error
}
