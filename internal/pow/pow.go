package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"golang.org/x/crypto/argon2"
)

// Supported proof algorithms. SHA256 is the default; Argon2id trades
// verification cost for GPU resistance.
const (
	AlgorithmSHA256   = "sha256"
	AlgorithmArgon2id = "argon2id"
)

// ErrInsufficientDifficulty is returned when a submitted proof does not
// match the recomputation or does not meet the difficulty bound.
var ErrInsufficientDifficulty = errors.New("insufficient difficulty")

type Config struct {
	Salt      string
	Algorithm string

	// Argon2id parameters, ignored for sha256.
	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
	Argon2KeyLen  uint32
}

// Service computes and verifies proofs of work. A proof for a challenge
// string is a nonce whose hash, read as a 128-bit integer, lands above a
// difficulty-derived bound.
type Service struct {
	cfg Config
}

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func NewService(cfg Config) (*Service, error) {
	if cfg.Salt == "" {
		return nil, fmt.Errorf("pow: salt must not be empty")
	}
	switch cfg.Algorithm {
	case AlgorithmSHA256:
	case AlgorithmArgon2id:
		if cfg.Argon2Time == 0 || cfg.Argon2Memory == 0 || cfg.Argon2Threads == 0 || cfg.Argon2KeyLen < 16 {
			return nil, fmt.Errorf("pow: invalid argon2id parameters")
		}
	default:
		return nil, fmt.Errorf("pow: unknown algorithm %q", cfg.Algorithm)
	}
	return &Service{cfg: cfg}, nil
}

func (s *Service) Algorithm() string { return s.cfg.Algorithm }

func (s *Service) Salt() string { return s.cfg.Salt }

// Target returns the minimum acceptable proof value for a difficulty
// factor. A random hash clears the bound with probability 1/difficulty.
func Target(difficulty uint32) *big.Int {
	if difficulty < 1 {
		difficulty = 1
	}
	d := new(big.Int).SetUint64(uint64(difficulty))
	return new(big.Int).Sub(maxU128, new(big.Int).Div(maxU128, d))
}

// compute hashes salt || challenge || decimal nonce and reads the first
// 16 bytes of the digest as a big-endian 128-bit integer.
func (s *Service) compute(challenge string, nonce uint64) *big.Int {
	input := s.cfg.Salt + challenge + strconv.FormatUint(nonce, 10)

	var digest []byte
	switch s.cfg.Algorithm {
	case AlgorithmArgon2id:
		digest = argon2.IDKey([]byte(input), []byte(s.cfg.Salt),
			s.cfg.Argon2Time, s.cfg.Argon2Memory,
			s.cfg.Argon2Threads, s.cfg.Argon2KeyLen)
	default:
		sum := sha256.Sum256([]byte(input))
		digest = sum[:]
	}

	return new(big.Int).SetBytes(digest[:16])
}

// Proof returns the proof value for (challenge, nonce) as a decimal
// string, the form clients submit.
func (s *Service) Proof(challenge string, nonce uint64) string {
	return s.compute(challenge, nonce).String()
}

// Verify recomputes the proof for (challenge, nonce) and checks that the
// submitted result matches the recomputation and clears the difficulty
// bound. The recomputation is the authority; a client cannot pass by
// claiming a result it never computed.
func (s *Service) Verify(challenge, result string, nonce uint64, difficulty uint32) error {
	computed := s.compute(challenge, nonce)
	if computed.String() != result {
		return ErrInsufficientDifficulty
	}
	if computed.Cmp(Target(difficulty)) < 0 {
		return ErrInsufficientDifficulty
	}
	return nil
}

// Prove searches for a nonce satisfying the difficulty bound, checking
// ctx periodically so callers can abandon hard challenges. Nonces start
// at 1: zero never clears a fresh watermark.
func (s *Service) Prove(ctx context.Context, challenge string, difficulty uint32) (result string, nonce uint64, err error) {
	target := Target(difficulty)
	for n := uint64(1); ; n++ {
		if n%1024 == 0 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			default:
			}
		}
		value := s.compute(challenge, n)
		if value.Cmp(target) >= 0 {
			return value.String(), n, nil
		}
	}
}
