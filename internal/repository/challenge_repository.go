package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/model"
)

const (
	challengeKeyPrefix        = "authcore:mfa:challenge:"
	challengeAccountKeyPrefix = "authcore:mfa:account:"
	// challengeGrace keeps expired records around long enough for a late
	// verification attempt to observe and delete them.
	challengeGrace = time.Minute
)

// putChallengeScript drops the account's previous challenge and stores the
// new one together with the account pointer.
//
// KEYS[1] challenge key, KEYS[2] account pointer key
// ARGV[1] payload, ARGV[2] ttl ms, ARGV[3] challenge key prefix, ARGV[4] challenge id
var putChallengeScript = redis.NewScript(`
local old = redis.call('GET', KEYS[2])
if old then
	redis.call('DEL', ARGV[3] .. old)
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[2])
return 1
`)

// consumeChallengeScript is the compare-and-delete primitive.
//
// KEYS[1] challenge key
// ARGV[1] code hash, ARGV[2] now unix ms, ARGV[3] account pointer prefix
// Returns {result, accountId} where result follows model.ConsumeResult.
var consumeChallengeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {0, ''}
end
local c = cjson.decode(raw)
local acct = c['accountId']
local function drop()
	redis.call('DEL', KEYS[1])
	local ptr = ARGV[3] .. acct
	if redis.call('GET', ptr) == c['id'] then
		redis.call('DEL', ptr)
	end
end
if tonumber(ARGV[2]) >= tonumber(c['expiresAtMs']) then
	drop()
	return {1, acct}
end
local want = c['codeHash'] or ''
if want ~= ARGV[1] then
	return {2, acct}
end
drop()
return {3, acct}
`)

type storedChallenge struct {
	model.VerificationChallenge
	ExpiresAtMs int64 `json:"expiresAtMs"`
}

// ChallengeRepository keeps verification challenges in Redis.
type ChallengeRepository struct {
	rdb *database.Redis
}

// NewChallengeRepository creates a new ChallengeRepository
func NewChallengeRepository(rdb *database.Redis) *ChallengeRepository {
	return &ChallengeRepository{rdb: rdb}
}

// Put stores c and replaces the account's previous challenge.
func (r *ChallengeRepository) Put(ctx context.Context, c *model.VerificationChallenge) error {
	payload, err := json.Marshal(storedChallenge{VerificationChallenge: *c, ExpiresAtMs: c.ExpiresAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	ttl := time.Until(c.ExpiresAt) + challengeGrace
	if ttl < challengeGrace {
		ttl = challengeGrace
	}

	keys := []string{challengeKeyPrefix + c.ID, challengeAccountKeyPrefix + c.AccountID}
	if err := putChallengeScript.Run(ctx, r.rdb.Client, keys, payload, ttl.Milliseconds(), challengeKeyPrefix, c.ID).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// Get retrieves a challenge by ID
func (r *ChallengeRepository) Get(ctx context.Context, id string) (*model.VerificationChallenge, error) {
	raw, err := r.rdb.Get(ctx, challengeKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	var sc storedChallenge
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &sc.VerificationChallenge, nil
}

// Consume runs the compare-and-delete script.
func (r *ChallengeRepository) Consume(ctx context.Context, id, codeHash string, now time.Time) (string, model.ConsumeResult, error) {
	res, err := consumeChallengeScript.Run(ctx, r.rdb.Client,
		[]string{challengeKeyPrefix + id},
		codeHash, now.UnixMilli(), challengeAccountKeyPrefix,
	).Slice()
	if err != nil {
		return "", model.ChallengeMissing, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if len(res) != 2 {
		return "", model.ChallengeMissing, fmt.Errorf("unexpected consume reply: %v", res)
	}
	code, _ := res[0].(int64)
	accountID, _ := res[1].(string)
	return accountID, model.ConsumeResult(code), nil
}

// DeleteExpired is a no-op; Redis expires challenge keys on its own.
func (r *ChallengeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
