// Package store holds the atomic Redis primitives shared by the broker and
// the worker runtime's maintenance loops: moving due delayed tasks back to
// pending, and reclaiming tasks whose processing lease has gone stale.
package store

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// PendingScore computes the pending-ZSET score for a task: higher priority
// sorts first (via negation), and within a priority band, earlier
// created_at sorts first. priority is 1..10, createdAtMs fits comfortably
// under float64's 53-bit exact-integer range for any realistic epoch.
func PendingScore(priority int, createdAtMs int64) float64 {
	return -float64(priority)*1e13 + float64(createdAtMs)
}

// scheduleDueScript moves up to one due member from a delayed ZSET to the
// pending ZSET, recomputing its pending score from the stored task record
// so that a retried task rejoins its priority band correctly. A member whose
// task record is missing or cannot be decoded is still moved, scored with
// priority 5 and created_at 0.
var scheduleDueScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now = ARGV[1]
local prefix = ARGV[2]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local id = items[1]
local rem = redis.call('ZREM', dkey, id)
if rem ~= 1 then return false end
local priority = 5
local created = 0
local raw = redis.call('GET', prefix .. id)
if raw then
  local ok, task = pcall(cjson.decode, raw)
  if ok and type(task) == 'table' then
    priority = task.priority or 5
    created = task.created_at or 0
  end
end
local score = -(priority) * 1e13 + created
redis.call('ZADD', pkey, score, id)
return id
`)

// ScheduleDue moves due entries from the delayed ZSET to the pending ZSET,
// up to batch entries, returning the ids that moved. It stops early once
// the delayed set has nothing left at or before nowMs.
func ScheduleDue(ctx context.Context, rdb redis.UniversalClient, delayedKey, pendingKey, taskPrefix string, nowMs int64, batch int) ([]string, error) {
	now := strconv.FormatInt(nowMs, 10)
	moved := make([]string, 0, batch)
	for i := 0; i < batch; i++ {
		res, err := scheduleDueScript.Run(ctx, rdb, []string{delayedKey, pendingKey}, now, taskPrefix).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, err
		}
		id, ok := res.(string)
		if !ok || id == "" {
			break
		}
		moved = append(moved, id)
	}
	return moved, nil
}

// claimStaleScript scans a processing SET for members whose companion
// timestamp in the ts HASH is older than the cutoff, and atomically removes
// them from both. Because Redis executes scripts single-threaded, two
// sweepers racing on the same stale id can never both claim it: whichever
// script runs first performs the SREM and the second sees it already gone.
var claimStaleScript = redis.NewScript(`
local pkey = KEYS[1]
local tkey = KEYS[2]
local cutoff = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local members = redis.call('SMEMBERS', pkey)
local claimed = {}
for _, id in ipairs(members) do
  if #claimed >= batch then break end
  local ts = redis.call('HGET', tkey, id)
  if ts and tonumber(ts) < cutoff then
    if redis.call('SREM', pkey, id) == 1 then
      redis.call('HDEL', tkey, id)
      table.insert(claimed, id)
    end
  end
end
return claimed
`)

// ClaimStale reclaims up to batch tasks from the processing set whose
// recorded claim timestamp is older than cutoffMs, removing them from both
// the processing SET and the processing:ts HASH. The caller is responsible
// for re-dispositioning the returned ids (retry or dead-letter).
func ClaimStale(ctx context.Context, rdb redis.UniversalClient, processingKey, processingTSKey string, cutoffMs int64, batch int) ([]string, error) {
	res, err := claimStaleScript.Run(ctx, rdb, []string{processingKey, processingTSKey},
		strconv.FormatInt(cutoffMs, 10), strconv.Itoa(batch)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}
