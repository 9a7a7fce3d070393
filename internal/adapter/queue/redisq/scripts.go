package redisq

import "github.com/redis/go-redis/v9"

// Waiting-set scores encode (priority, FIFO sequence) in one float: higher
// priority sorts lower, and the monotone sequence breaks ties in arrival
// order. The score space keeps ~2^40 sequence values per priority level.

// pushWaitingScript adds an id to the waiting ZSET with a fresh sequence.
// KEYS: waiting, seq. ARGV: id, priority.
var pushWaitingScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local score = (0 - tonumber(ARGV[2])) * 1e12 + seq
redis.call('ZADD', KEYS[1], score, ARGV[1])
return 1
`)

// reserveScript promotes due delayed items, then pops the waiting head into
// the active set under a lease.
// KEYS: waiting, delayed, active, paused, seq, itemPrefix.
// ARGV: nowMS, leaseDeadlineMS, workerID.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local prio = tonumber(redis.call('HGET', KEYS[6]..id, 'priority')) or 0
  local seq = redis.call('INCR', KEYS[5])
  redis.call('ZADD', KEYS[1], (0 - prio) * 1e12 + seq, id)
  redis.call('HSET', KEYS[6]..id, 'state', 'waiting')
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
redis.call('HSET', KEYS[6]..id, 'state', 'active', 'started_at', ARGV[1], 'worker_id', ARGV[3])
return id
`)

// completeScript releases the lease and records the return value.
// KEYS: active, completedList, itemKey. ARGV: id, nowMS, returnValue, retention.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2], 'return_value', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[4]) - 1)
return 1
`)

// failScript releases the lease, then requeues with the next backoff delay
// while attempts remain, else terminally fails. A force flag skips the retry
// branch (the handler decided the error is permanent).
// KEYS: active, delayed, failedList, itemKey.
// ARGV: id, nowMS, reason, retention, force.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 'conflict'
end
local attempts = redis.call('HINCRBY', KEYS[4], 'attempts_made', 1)
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts')) or 1
redis.call('HSET', KEYS[4], 'failed_reason', ARGV[3])
if tonumber(ARGV[5]) == 0 and attempts < max then
  local kind = redis.call('HGET', KEYS[4], 'backoff_kind')
  local base = tonumber(redis.call('HGET', KEYS[4], 'backoff_base_ms')) or 1000
  local delay = base
  if kind == 'exponential' then
    delay = base * 2 ^ (attempts - 1)
  end
  local until_ms = tonumber(ARGV[2]) + delay
  redis.call('ZADD', KEYS[2], until_ms, ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'delayed', 'delay_until', until_ms)
  return 'retried'
end
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return 'failed'
`)

// stalledScript returns lease-expired active items to waiting, consuming one
// attempt; items past the stall cap are terminally failed.
// KEYS: active, waiting, failedList, seq, itemPrefix.
// ARGV: nowMS, maxStalled, retention.
var stalledScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local stalls = redis.call('HINCRBY', KEYS[5]..id, 'stalled_count', 1)
  if stalls > tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[5]..id, 'state', 'failed', 'failed_reason', 'stalled', 'finished_at', ARGV[1])
    redis.call('LPUSH', KEYS[3], id)
    redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[3]) - 1)
  else
    redis.call('HINCRBY', KEYS[5]..id, 'attempts_made', 1)
    local prio = tonumber(redis.call('HGET', KEYS[5]..id, 'priority')) or 0
    local seq = redis.call('INCR', KEYS[4])
    redis.call('ZADD', KEYS[2], (0 - prio) * 1e12 + seq, id)
    redis.call('HSET', KEYS[5]..id, 'state', 'waiting')
  end
  n = n + 1
end
return n
`)

// retryScript requeues a terminally failed item with a fresh attempt budget.
// KEYS: failedList, waiting, seq, itemKey. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[4], 'state', 'waiting', 'attempts_made', 0, 'failed_reason', '')
local prio = tonumber(redis.call('HGET', KEYS[4], 'priority')) or 0
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], (0 - prio) * 1e12 + seq, ARGV[1])
return 1
`)
