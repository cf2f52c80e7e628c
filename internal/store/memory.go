package store

import (
	"context"
	"sync"
	"time"

	"powcaptcha/internal/crypto"
)

const shardCount = 64

// challengeStringBytes gives 128 bits of entropy per challenge string.
const challengeStringBytes = 16

type memEntry struct {
	site       string
	difficulty uint32
	expiresAt  time.Time
}

type tokenEntry struct {
	site      string
	expiresAt time.Time
}

type wmKey struct {
	site       string
	difficulty uint32
}

// memShard holds a slice of the keyspace. Sharding keeps one hot site
// from serializing the rest.
type memShard struct {
	mu         sync.Mutex
	challenges map[string]memEntry
	tokens     map[string]tokenEntry
	watermarks map[wmKey]uint64
}

// Memory is the embedded backend: everything lives in process, calls
// complete synchronously, ctx is accepted for interface parity only.
type Memory struct {
	shards [shardCount]*memShard
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &memShard{
			challenges: make(map[string]memEntry),
			tokens:     make(map[string]tokenEntry),
			watermarks: make(map[wmKey]uint64),
		}
	}
	return m
}

func hashKey(key string) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return h % shardCount
}

func (m *Memory) shard(key string) *memShard {
	return m.shards[hashKey(key)]
}

func (m *Memory) Issue(_ context.Context, site string, difficulty uint32, ttl time.Duration) (string, error) {
	challenge, err := crypto.GenerateChallengeString(challengeStringBytes)
	if err != nil {
		return "", err
	}

	sh := m.shard(challenge)
	sh.mu.Lock()
	sh.challenges[challenge] = memEntry{
		site:       site,
		difficulty: difficulty,
		expiresAt:  time.Now().Add(ttl),
	}
	sh.mu.Unlock()

	return challenge, nil
}

func (m *Memory) Take(_ context.Context, challenge string) (*Claim, error) {
	sh := m.shard(challenge)
	sh.mu.Lock()
	entry, ok := sh.challenges[challenge]
	if ok {
		delete(sh.challenges, challenge)
	}
	sh.mu.Unlock()

	// Expired entries are invisible; the entry is gone either way, so a
	// stale challenge can never be taken later.
	if !ok || !time.Now().Before(entry.expiresAt) {
		return nil, ErrChallengeNotFound
	}

	return &Claim{
		SiteKey:          entry.site,
		DifficultyFactor: entry.difficulty,
		ExpiresAt:        entry.expiresAt.Unix(),
	}, nil
}

func (m *Memory) CheckAndAdvance(_ context.Context, site string, difficulty uint32, nonce uint64) (bool, error) {
	key := wmKey{site: site, difficulty: difficulty}
	sh := m.shard(site)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if nonce <= sh.watermarks[key] {
		return false, nil
	}
	sh.watermarks[key] = nonce
	return true, nil
}

func (m *Memory) Watermark(_ context.Context, site string, difficulty uint32) (uint64, error) {
	sh := m.shard(site)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.watermarks[wmKey{site: site, difficulty: difficulty}], nil
}

func (m *Memory) PutToken(_ context.Context, token, site string, ttl time.Duration) error {
	sh := m.shard(token)
	sh.mu.Lock()
	sh.tokens[token] = tokenEntry{site: site, expiresAt: time.Now().Add(ttl)}
	sh.mu.Unlock()
	return nil
}

func (m *Memory) Redeem(_ context.Context, token string) (bool, error) {
	sh := m.shard(token)
	sh.mu.Lock()
	entry, ok := sh.tokens[token]
	if ok {
		delete(sh.tokens, token)
	}
	sh.mu.Unlock()

	if !ok || !time.Now().Before(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (m *Memory) RenameSite(_ context.Context, oldKey, newKey string) error {
	// Collect under the old site's shard lock, reinsert under the new
	// key's shard. A CAS racing the rename may still land on the old
	// key and fail later at the registry; that is acceptable.
	oldShard := m.shard(oldKey)
	moved := make(map[uint32]uint64)

	oldShard.mu.Lock()
	for key, mark := range oldShard.watermarks {
		if key.site == oldKey {
			moved[key.difficulty] = mark
			delete(oldShard.watermarks, key)
		}
	}
	oldShard.mu.Unlock()

	if len(moved) == 0 {
		return nil
	}

	newShard := m.shard(newKey)
	newShard.mu.Lock()
	for difficulty, mark := range moved {
		key := wmKey{site: newKey, difficulty: difficulty}
		if mark > newShard.watermarks[key] {
			newShard.watermarks[key] = mark
		}
	}
	newShard.mu.Unlock()

	return nil
}

func (m *Memory) RemoveSite(_ context.Context, site string) error {
	sh := m.shard(site)
	sh.mu.Lock()
	for key := range sh.watermarks {
		if key.site == site {
			delete(sh.watermarks, key)
		}
	}
	sh.mu.Unlock()
	return nil
}

func (m *Memory) Sweep(_ context.Context) error {
	now := time.Now()
	for _, sh := range m.shards {
		sh.mu.Lock()
		for challenge, entry := range sh.challenges {
			if !now.Before(entry.expiresAt) {
				delete(sh.challenges, challenge)
			}
		}
		for token, entry := range sh.tokens {
			if !now.Before(entry.expiresAt) {
				delete(sh.tokens, token)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func (m *Memory) Close() error { return nil }
