package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/meridian-pay/settlex/pkg/convert"
	"github.com/meridian-pay/settlex/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key layout. Everything lives under one logical namespace so a single Redis
// instance can serve several engines side by side.
const (
	keyAccount    = "se:account:"    // + account id -> settlement address
	keyOwners     = "se:owners:"     // + address -> set of account ids
	keySettlement = "se:settlement:" // + idempotency key -> JSON record
	keyOpenSet    = "se:settlements:open"
	keyIncoming   = "se:incoming:" // + tx hash -> JSON record
	keyUnnotified = "se:unnotified"
	keyCursor     = "se:cursor"
	keyUncredited = "se:uncredited:" // + account id -> "amount|scale"
	keyClaim      = "se:claim:"      // + idempotency key, leased submission claim
)

// saveAddressScript implements first-write-wins registration and maintains
// the reverse index in the same atomic step.
var saveAddressScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SADD', KEYS[2], ARGV[2])
	return 1
end
if existing == ARGV[1] then
	return 1
end
return 0
`)

// createScript creates a record and indexes it unless the key is taken.
var createScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
	redis.call('SADD', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// updateScript rewrites a record and keeps the open index in sync.
var updateScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] == '1' then
	redis.call('SREM', KEYS[2], ARGV[2])
else
	redis.call('SADD', KEYS[2], ARGV[2])
end
return 1
`)

// markNotifiedScript flips a record and drops it from the retry index.
var markNotifiedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// cursorScript is the compare-and-set on the watch cursor. The cursor only
// ever moves forward.
var cursorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[2]) < cur then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// casScript is a generic string compare-and-set; an empty expected value
// means the key must not exist yet.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
	cur = ''
end
if cur ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// Redis is the production Store.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ Store = (*Redis)(nil)

// NewRedis connects using environment variables:
//   - REDIS_HOST (default "localhost")
//   - REDIS_PORT (default "6379")
//   - REDIS_PASSWORD (default "")
//   - REDIS_DB (default 0)
func NewRedis(ctx context.Context, logger *zap.Logger) (*Redis, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("connected to Redis", zap.String("addr", addr), zap.Int("db", db))

	return &Redis{rdb: rdb, logger: logger}, nil
}

func (r *Redis) SaveAccountAddress(ctx context.Context, accountID, address string) error {
	ok, err := saveAddressScript.Run(ctx, r.rdb,
		[]string{keyAccount + accountID, keyOwners + address},
		address, accountID).Int()
	if err != nil {
		return fmt.Errorf("save account address: %w", err)
	}
	if ok == 0 {
		return ErrAddressConflict
	}
	return nil
}

func (r *Redis) AccountAddress(ctx context.Context, accountID string) (string, error) {
	addr, err := r.rdb.Get(ctx, keyAccount+accountID).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load account address: %w", err)
	}
	return addr, nil
}

func (r *Redis) AccountForAddress(ctx context.Context, address string) (string, error) {
	ids, err := r.rdb.SMembers(ctx, keyOwners+address).Result()
	if err != nil {
		return "", fmt.Errorf("reverse lookup: %w", err)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	// Collisions resolve to the lexically smallest account id.
	sort.Strings(ids)
	return ids[0], nil
}

func (r *Redis) CreateSettlement(ctx context.Context, rec *SettlementRecord) (*SettlementRecord, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal settlement: %w", err)
	}
	created, err := createScript.Run(ctx, r.rdb,
		[]string{keySettlement + rec.IdempotencyKey, keyOpenSet},
		string(raw), rec.IdempotencyKey).Int()
	if err != nil {
		return nil, false, fmt.Errorf("create settlement: %w", err)
	}
	if created == 1 {
		return rec.Clone(), true, nil
	}
	existing, err := r.Settlement(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Redis) UpdateSettlement(ctx context.Context, rec *SettlementRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	terminal := "0"
	if rec.State.Terminal() {
		terminal = "1"
	}
	if err := updateScript.Run(ctx, r.rdb,
		[]string{keySettlement + rec.IdempotencyKey, keyOpenSet},
		string(raw), rec.IdempotencyKey, terminal).Err(); err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	return nil
}

func (r *Redis) Settlement(ctx context.Context, idempotencyKey string) (*SettlementRecord, error) {
	raw, err := r.rdb.Get(ctx, keySettlement+idempotencyKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement: %w", err)
	}
	var rec SettlementRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", idempotencyKey, err)
	}
	return &rec, nil
}

func (r *Redis) OpenSettlements(ctx context.Context) ([]*SettlementRecord, error) {
	keys, err := r.rdb.SMembers(ctx, keyOpenSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list open settlements: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keySettlement + k
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("load open settlements: %w", err)
	}

	out := make([]*SettlementRecord, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			r.logger.Warn("open settlement index points at missing record",
				zap.String("idempotency_key", keys[i]))
			continue
		}
		var rec SettlementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode settlement %s: %w", keys[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *Redis) RecordIncoming(ctx context.Context, t *IncomingTransfer) (bool, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal incoming transfer: %w", err)
	}
	created, err := createScript.Run(ctx, r.rdb,
		[]string{keyIncoming + t.TxHash, keyUnnotified},
		string(raw), t.TxHash).Int()
	if err != nil {
		return false, fmt.Errorf("record incoming transfer: %w", err)
	}
	return created == 1, nil
}

func (r *Redis) MarkNotified(ctx context.Context, txHash string) error {
	raw, err := r.rdb.Get(ctx, keyIncoming+txHash).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load incoming transfer: %w", err)
	}
	var t IncomingTransfer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return fmt.Errorf("decode incoming transfer %s: %w", txHash, err)
	}
	t.Notified = true
	updated, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("marshal incoming transfer: %w", err)
	}
	ok, err := markNotifiedScript.Run(ctx, r.rdb,
		[]string{keyIncoming + txHash, keyUnnotified},
		string(updated), txHash).Int()
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) UnnotifiedIncoming(ctx context.Context) ([]*IncomingTransfer, error) {
	hashes, err := r.rdb.SMembers(ctx, keyUnnotified).Result()
	if err != nil {
		return nil, fmt.Errorf("list unnotified transfers: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	full := make([]string, len(hashes))
	for i, h := range hashes {
		full[i] = keyIncoming + h
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("load unnotified transfers: %w", err)
	}

	out := make([]*IncomingTransfer, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t IncomingTransfer
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode incoming transfer %s: %w", hashes[i], err)
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockHeight < out[j].BlockHeight })
	return out, nil
}

func (r *Redis) Cursor(ctx context.Context) (uint64, error) {
	val, err := r.rdb.Get(ctx, keyCursor).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return val, nil
}

func (r *Redis) AdvanceCursor(ctx context.Context, from, to uint64) error {
	ok, err := cursorScript.Run(ctx, r.rdb, []string{keyCursor}, from, to).Int()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if ok == 0 {
		return ErrCursorConflict
	}
	return nil
}

func (r *Redis) AddUncredited(ctx context.Context, accountID string, amount *big.Int, scale uint8) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	key := keyUncredited + accountID

	// Optimistic merge loop; contention on a single account's dust is rare.
	for attempt := 0; attempt < 5; attempt++ {
		old, err := r.rdb.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("load uncredited: %w", err)
		}
		current, perr := parseScaled(old)
		if perr != nil {
			return perr
		}
		merged, merr := convert.Merge(current, convert.Scaled{Amount: amount, Scale: scale})
		if merr != nil {
			return merr
		}
		ok, serr := casScript.Run(ctx, r.rdb, []string{key}, old, formatScaled(merged)).Int()
		if serr != nil {
			return fmt.Errorf("store uncredited: %w", serr)
		}
		if ok == 1 {
			return nil
		}
	}
	return fmt.Errorf("store uncredited for %s: too much contention", accountID)
}

func (r *Redis) TakeUncredited(ctx context.Context, accountID string) (*big.Int, uint8, error) {
	raw, err := r.rdb.GetDel(ctx, keyUncredited+accountID).Result()
	if err == redis.Nil {
		return new(big.Int), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("take uncredited: %w", err)
	}
	s, perr := parseScaled(raw)
	if perr != nil {
		return nil, 0, perr
	}
	return s.Amount, s.Scale, nil
}

func (r *Redis) ClaimSubmission(ctx context.Context, idempotencyKey string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyClaim+idempotencyKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim submission: %w", err)
	}
	return ok, nil
}

func (r *Redis) ReleaseSubmission(ctx context.Context, idempotencyKey string) error {
	if err := r.rdb.Del(ctx, keyClaim+idempotencyKey).Err(); err != nil {
		return fmt.Errorf("release submission claim: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func formatScaled(s convert.Scaled) string {
	return fmt.Sprintf("%s|%d", s.Amount.String(), s.Scale)
}

func parseScaled(raw string) (convert.Scaled, error) {
	if raw == "" {
		return convert.Scaled{Amount: new(big.Int)}, nil
	}
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return convert.Scaled{}, fmt.Errorf("malformed uncredited value %q", raw)
	}
	amount, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return convert.Scaled{}, fmt.Errorf("malformed uncredited amount %q", parts[0])
	}
	var scale uint8
	if _, err := fmt.Sscanf(parts[1], "%d", &scale); err != nil {
		return convert.Scaled{}, fmt.Errorf("malformed uncredited scale %q", parts[1])
	}
	return convert.Scaled{Amount: amount, Scale: scale}, nil
}
