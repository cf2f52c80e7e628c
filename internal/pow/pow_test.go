package pow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSHA256Service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Salt: "test-salt", Algorithm: AlgorithmSHA256})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Salt: "", Algorithm: AlgorithmSHA256})
	assert.Error(t, err, "empty salt must be rejected")

	_, err = NewService(Config{Salt: "s", Algorithm: "md5"})
	assert.Error(t, err, "unknown algorithm must be rejected")

	_, err = NewService(Config{Salt: "s", Algorithm: AlgorithmArgon2id})
	assert.Error(t, err, "argon2id without parameters must be rejected")
}

func TestProveVerifyRoundtrip(t *testing.T) {
	svc := newSHA256Service(t)

	const difficulty = 50
	result, nonce, err := svc.Prove(context.Background(), "challenge-string", difficulty)
	require.NoError(t, err)
	require.NotZero(t, nonce, "nonces start at 1")

	assert.NoError(t, svc.Verify("challenge-string", result, nonce, difficulty))
}

func TestVerifyRejectsForgedResult(t *testing.T) {
	svc := newSHA256Service(t)

	result, nonce, err := svc.Prove(context.Background(), "challenge-string", 50)
	require.NoError(t, err)

	err = svc.Verify("challenge-string", "12345", nonce, 50)
	assert.ErrorIs(t, err, ErrInsufficientDifficulty, "claimed result must match recomputation")

	err = svc.Verify("challenge-string", result, nonce+1, 50)
	assert.ErrorIs(t, err, ErrInsufficientDifficulty, "tampered nonce changes the recomputation")

	err = svc.Verify("other-challenge", result, nonce, 50)
	assert.ErrorIs(t, err, ErrInsufficientDifficulty, "proof is bound to its challenge string")
}

func TestVerifyEnforcesDifficultyBound(t *testing.T) {
	svc := newSHA256Service(t)

	// Difficulty 1 accepts any honestly computed proof; a much larger
	// factor rejects most of them. Search for a nonce that clears 1 but
	// not the large factor to pin down the bound check.
	huge := uint32(1 << 30)
	target := Target(huge)
	for nonce := uint64(1); nonce < 10000; nonce++ {
		result := svc.compute("bound-check", nonce)
		if result.Cmp(target) < 0 {
			proof := result.String()
			assert.NoError(t, svc.Verify("bound-check", proof, nonce, 1))
			assert.ErrorIs(t, svc.Verify("bound-check", proof, nonce, huge), ErrInsufficientDifficulty)
			return
		}
	}
	t.Fatal("no nonce below the difficulty bound found in 10000 attempts")
}

func TestProofDeterministic(t *testing.T) {
	svc := newSHA256Service(t)
	assert.Equal(t, svc.Proof("c", 42), svc.Proof("c", 42))
	assert.NotEqual(t, svc.Proof("c", 42), svc.Proof("c", 43))
}

func TestTargetMonotonic(t *testing.T) {
	assert.Zero(t, Target(1).Sign(), "difficulty 1 accepts everything")
	assert.True(t, Target(10).Cmp(Target(2)) > 0)
	assert.True(t, Target(1000).Cmp(Target(10)) > 0)
}

func TestArgon2idRoundtrip(t *testing.T) {
	svc, err := NewService(Config{
		Salt:          "test-salt",
		Algorithm:     AlgorithmArgon2id,
		Argon2Time:    1,
		Argon2Memory:  64,
		Argon2Threads: 1,
		Argon2KeyLen:  32,
	})
	require.NoError(t, err)

	result, nonce, err := svc.Prove(context.Background(), "challenge-string", 4)
	require.NoError(t, err)
	assert.NoError(t, svc.Verify("challenge-string", result, nonce, 4))
	assert.ErrorIs(t, svc.Verify("challenge-string", "1", nonce, 4), ErrInsufficientDifficulty)
}

func TestProveCancellable(t *testing.T) {
	svc := newSHA256Service(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An absurd difficulty would search forever without the ctx check.
	_, _, err := svc.Prove(ctx, "challenge-string", ^uint32(0))
	assert.ErrorIs(t, err, context.Canceled)
}
