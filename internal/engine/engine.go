// Package engine orchestrates the verification flow: challenge issuance
// against the site's current difficulty, exactly-once consumption of
// submitted solutions, nonce watermark enforcement and validation token
// minting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"powcaptcha/internal/crypto"
	"powcaptcha/internal/master"
	"powcaptcha/internal/metrics"
	"powcaptcha/internal/pow"
	"powcaptcha/internal/store"
)

// ErrDuplicateNonce is returned when a proof is valid but its nonce does
// not advance the (site, difficulty) watermark, which marks a replay of
// an already-used nonce space.
var ErrDuplicateNonce = errors.New("duplicate nonce")

// Challenge is what a client receives: everything needed to compute a
// proof, nothing that identifies previous challenges.
type Challenge struct {
	String           string `json:"string"`
	DifficultyFactor uint32 `json:"difficulty_factor"`
	Salt             string `json:"salt"`
	Algorithm        string `json:"algorithm"`
}

// Submission is a solved challenge handed back for verification. Time
// and WorkerType are optional client-reported analytics; they are
// recorded but never consulted by the verification itself.
type Submission struct {
	SiteKey    string
	Challenge  string
	Result     string
	Nonce      uint64
	Time       *uint32
	WorkerType *string
}

// AnalyticsSink receives solve-performance records. Implementations must
// tolerate being called on the verification hot path; the engine ignores
// their errors beyond logging.
type AnalyticsSink interface {
	SavePerformance(ctx context.Context, site string, difficulty uint32, timeTaken uint32, workerType string) error
}

// NoopSink discards analytics records.
type NoopSink struct{}

func (NoopSink) SavePerformance(context.Context, string, uint32, uint32, string) error { return nil }

const tokenBytes = 32

type Engine struct {
	master    *master.Master
	store     store.Store
	pow       *pow.Service
	analytics AnalyticsSink

	challengeTTL time.Duration
	tokenTTL     time.Duration
}

func New(m *master.Master, st store.Store, p *pow.Service, analytics AnalyticsSink, challengeTTL, tokenTTL time.Duration) *Engine {
	if analytics == nil {
		analytics = NoopSink{}
	}
	return &Engine{
		master:       m,
		store:        st,
		pow:          p,
		analytics:    analytics,
		challengeTTL: challengeTTL,
		tokenTTL:     tokenTTL,
	}
}

// GetChallenge records a visit for the site, selects the difficulty the
// resulting traffic level demands, and issues a single-use challenge.
func (e *Engine) GetChallenge(ctx context.Context, siteKey string) (*Challenge, error) {
	_, difficulty, err := e.master.RecordVisit(siteKey)
	if err != nil {
		return nil, err
	}

	challenge, err := e.store.Issue(ctx, siteKey, difficulty, e.challengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}

	metrics.ChallengeIssued(siteKey)
	return &Challenge{
		String:           challenge,
		DifficultyFactor: difficulty,
		Salt:             e.pow.Salt(),
		Algorithm:        e.pow.Algorithm(),
	}, nil
}

// Verify consumes a submission. The challenge is taken from the store
// exactly once no matter how many submissions race for it; every failure
// past that point is terminal for the challenge and the client must
// request a new one.
func (e *Engine) Verify(ctx context.Context, sub Submission) (string, error) {
	claim, err := e.store.Take(ctx, sub.Challenge)
	if err != nil {
		e.countFailure(err)
		return "", err
	}

	// The registry is consulted again after the take: a site removed or
	// renamed away while its challenge was outstanding must not verify,
	// even though the claim is still in the store. Skipping this would
	// also reopen the nonce space, since rename moves watermarks to the
	// new key.
	if !e.master.Exists(sub.SiteKey) {
		metrics.Verification(metrics.OutcomeSiteNotFound)
		return "", master.ErrSiteNotFound
	}

	// A claim issued for another site is treated as absent so that
	// probing with stolen challenge strings learns nothing.
	if claim.SiteKey != sub.SiteKey {
		metrics.Verification(metrics.OutcomeChallengeNotFound)
		return "", store.ErrChallengeNotFound
	}

	if err := e.pow.Verify(sub.Challenge, sub.Result, sub.Nonce, claim.DifficultyFactor); err != nil {
		metrics.Verification(metrics.OutcomeInsufficientDifficulty)
		return "", err
	}

	accepted, err := e.store.CheckAndAdvance(ctx, sub.SiteKey, claim.DifficultyFactor, sub.Nonce)
	if err != nil {
		e.countFailure(err)
		return "", err
	}
	if !accepted {
		metrics.Verification(metrics.OutcomeDuplicateNonce)
		return "", ErrDuplicateNonce
	}

	token, err := crypto.GenerateToken(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := e.store.PutToken(ctx, token, sub.SiteKey, e.tokenTTL); err != nil {
		e.countFailure(err)
		return "", err
	}

	e.recordAnalytics(ctx, sub, claim.DifficultyFactor)

	metrics.Verification(metrics.OutcomeVerified)
	return token, nil
}

// Redeem consumes a validation token, reporting whether it was live.
func (e *Engine) Redeem(ctx context.Context, token string) (bool, error) {
	valid, err := e.store.Redeem(ctx, token)
	if err != nil {
		return false, err
	}
	metrics.Redemption(valid)
	return valid, nil
}

// recordAnalytics is fire-and-forget: a failing sink must never fail the
// verification that produced the record.
func (e *Engine) recordAnalytics(ctx context.Context, sub Submission, difficulty uint32) {
	if sub.Time == nil || sub.WorkerType == nil {
		return
	}
	if err := e.analytics.SavePerformance(ctx, sub.SiteKey, difficulty, *sub.Time, *sub.WorkerType); err != nil {
		log.Printf("Failed to record performance analytics for %s: %v", sub.SiteKey, err)
	}
}

func (e *Engine) countFailure(err error) {
	switch {
	case errors.Is(err, store.ErrChallengeNotFound):
		metrics.Verification(metrics.OutcomeChallengeNotFound)
	case errors.Is(err, store.ErrBackendUnavailable):
		metrics.Verification(metrics.OutcomeBackendError)
	}
}
