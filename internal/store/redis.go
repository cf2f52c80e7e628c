package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"powcaptcha/internal/crypto"
)

const (
	challengePrefix = "pow:challenge:"
	watermarkPrefix = "pow:watermark:"
	tokenPrefix     = "pow:token:"
)

// advanceScript is the per-key compare-and-set for nonce watermarks.
// Running it server-side makes the read-compare-write a single atomic
// step for concurrent distributed workers. Values are decimal strings
// without leading zeros, compared by length then lexicographically;
// Lua numbers are doubles and would lose precision above 2^53.
var advanceScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
local nonce = ARGV[1]
if #nonce > #current or (#nonce == #current and nonce > current) then
	redis.call('SET', KEYS[1], nonce)
	return 1
end
return 0
`)

// Redis is the distributed backend. Expiry is enforced twice: the claim
// payload carries its own deadline for the lazy check in Take, and the
// key TTL acts as the sweep.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Issue(ctx context.Context, site string, difficulty uint32, ttl time.Duration) (string, error) {
	challenge, err := crypto.GenerateChallengeString(challengeStringBytes)
	if err != nil {
		return "", err
	}

	claim := Claim{
		SiteKey:          site,
		DifficultyFactor: difficulty,
		ExpiresAt:        time.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(&claim)
	if err != nil {
		return "", err
	}

	// A non-positive TTL still stores the entry briefly so Take sees a
	// uniformly expired challenge rather than a missing key.
	expiration := ttl
	if expiration < time.Second {
		expiration = time.Second
	}

	if err := r.client.Set(ctx, challengePrefix+challenge, payload, expiration).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return challenge, nil
}

func (r *Redis) Take(ctx context.Context, challenge string) (*Claim, error) {
	payload, err := r.client.GetDel(ctx, challengePrefix+challenge).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var claim Claim
	if err := json.Unmarshal([]byte(payload), &claim); err != nil {
		return nil, fmt.Errorf("corrupt challenge entry: %w", err)
	}
	if time.Now().Unix() >= claim.ExpiresAt {
		return nil, ErrChallengeNotFound
	}
	return &claim, nil
}

func watermarkKey(site string, difficulty uint32) string {
	return watermarkPrefix + site + ":" + strconv.FormatUint(uint64(difficulty), 10)
}

func (r *Redis) CheckAndAdvance(ctx context.Context, site string, difficulty uint32, nonce uint64) (bool, error) {
	accepted, err := advanceScript.Run(ctx, r.client,
		[]string{watermarkKey(site, difficulty)},
		strconv.FormatUint(nonce, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return accepted == 1, nil
}

func (r *Redis) Watermark(ctx context.Context, site string, difficulty uint32) (uint64, error) {
	value, err := r.client.Get(ctx, watermarkKey(site, difficulty)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	mark, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark entry: %w", err)
	}
	return mark, nil
}

func (r *Redis) PutToken(ctx context.Context, token, site string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, tokenPrefix+token, site, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Redeem(ctx context.Context, token string) (bool, error) {
	_, err := r.client.GetDel(ctx, tokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return true, nil
}

func (r *Redis) RenameSite(ctx context.Context, oldKey, newKey string) error {
	oldPrefix := watermarkPrefix + oldKey + ":"
	newPrefix := watermarkPrefix + newKey + ":"

	// Merged through the CAS script rather than RENAME: the destination
	// key may already hold a watermark, and a watermark never decreases.
	iter := r.client.Scan(ctx, 0, oldPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := advanceScript.Run(ctx, r.client,
			[]string{newPrefix + key[len(oldPrefix):]}, value).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) RemoveSite(ctx context.Context, site string) error {
	iter := r.client.Scan(ctx, 0, watermarkPrefix+site+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Sweep is a no-op for Redis; key TTLs already reclaim expired entries.
func (r *Redis) Sweep(context.Context) error { return nil }

func (r *Redis) Close() error { return r.client.Close() }
