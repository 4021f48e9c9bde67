package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as one script so that concurrent producers and
// workers in different processes never observe a half-moved job.
//
// Key layout under "<prefix>:<queue>:":
//
//	wait       zset  score = priority*1e10 + seq
//	active     zset  score = lease expiry (unix ms)
//	delayed    zset  score = run-at (unix ms)
//	completed  list  newest first
//	failed     list  newest first
//	marker     list  wake-up tokens for blocked workers
//	id, seq    counters
//	job:<id>   hash

const luaHelpers = `
local function trimList(list, keep, base)
  if keep < 0 then return end
  local removed = redis.call("LRANGE", list, keep, -1)
  for _, rid in ipairs(removed) do
    redis.call("DEL", base .. "job:" .. rid)
  end
  if keep == 0 then
    redis.call("DEL", list)
  else
    redis.call("LTRIM", list, 0, keep - 1)
  end
end

local function signal(marker)
  redis.call("LPUSH", marker, "1")
  redis.call("LTRIM", marker, 0, 999)
end

local function enqueueWaiting(wait, seqKey, jobKey, id)
  local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0") or 0
  local seq = redis.call("INCR", seqKey)
  redis.call("ZADD", wait, priority * 1e10 + seq, id)
  redis.call("HSET", jobKey, "state", "waiting")
end
`

// KEYS: wait, delayed, id, seq, marker
// ARGV: base, jobId, name, data, organizationId, maxAttempts, backoffType,
// backoffDelay, backoffMax, priority, timestamp, delay, keepCompleted, keepFailed
var addScript = redis.NewScript(luaHelpers + `
local id = ARGV[2]
if id == "" then
  id = tostring(redis.call("INCR", KEYS[3]))
end
local jobKey = ARGV[1] .. "job:" .. id
if redis.call("EXISTS", jobKey) == 1 then
  return {id, 1}
end

local delay = tonumber(ARGV[12])
redis.call("HSET", jobKey,
  "id", id, "name", ARGV[3], "data", ARGV[4], "organizationId", ARGV[5],
  "attempts", 0, "maxAttempts", ARGV[6],
  "backoffType", ARGV[7], "backoffDelay", ARGV[8], "backoffMax", ARGV[9],
  "priority", ARGV[10], "timestamp", ARGV[11], "stalledCounter", 0,
  "keepCompleted", ARGV[13], "keepFailed", ARGV[14], "token", "")

if delay > 0 then
  redis.call("HSET", jobKey, "state", "delayed")
  redis.call("ZADD", KEYS[2], tonumber(ARGV[11]) + delay, id)
else
  enqueueWaiting(KEYS[1], KEYS[4], jobKey, id)
end
signal(KEYS[5])
return {id, 0}
`)

// KEYS: wait, active, delayed, seq
// ARGV: base, now, lockDuration, token
var claimScript = redis.NewScript(luaHelpers + `
local now = tonumber(ARGV[2])
local due = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now, "LIMIT", 0, 1000)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[3], id)
  enqueueWaiting(KEYS[1], KEYS[4], ARGV[1] .. "job:" .. id, id)
end

while true do
  local popped = redis.call("ZPOPMIN", KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local jobKey = ARGV[1] .. "job:" .. id
  if redis.call("EXISTS", jobKey) == 1 then
    redis.call("ZADD", KEYS[2], now + tonumber(ARGV[3]), id)
    redis.call("HINCRBY", jobKey, "attempts", 1)
    redis.call("HSET", jobKey, "state", "active", "processedOn", ARGV[2], "token", ARGV[4])
    return redis.call("HGETALL", jobKey)
  end
end
`)

// KEYS: active
// ARGV: base, jobId, token, leaseUntil
var extendLockScript = redis.NewScript(`
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("HGET", jobKey, "token") ~= ARGV[3] then
  return 0
end
if not redis.call("ZSCORE", KEYS[1], ARGV[2]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[2])
return 1
`)

// KEYS: active, completed
// ARGV: base, jobId, token, now
var completeScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("HGET", jobKey, "token") ~= ARGV[3] then
  return 0
end
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
  return 0
end
redis.call("HSET", jobKey, "state", "completed", "finishedOn", ARGV[4], "token", "")
local keep = tonumber(redis.call("HGET", jobKey, "keepCompleted") or "100") or 100
redis.call("LPUSH", KEYS[2], ARGV[2])
trimList(KEYS[2], keep, ARGV[1])
return 1
`)

// KEYS: active, delayed, failed, marker
// ARGV: base, jobId, token, now, reason, retryAt (-1 = terminal)
// Returns 0 when the lock was lost, 1 when rescheduled, 2 when failed.
var failScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("HGET", jobKey, "token") ~= ARGV[3] then
  return 0
end
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
  return 0
end
redis.call("HSET", jobKey, "failedReason", ARGV[5], "token", "")

local retryAt = tonumber(ARGV[6])
if retryAt >= 0 then
  redis.call("HSET", jobKey, "state", "delayed")
  redis.call("ZADD", KEYS[2], retryAt, ARGV[2])
  signal(KEYS[4])
  return 1
end

redis.call("HSET", jobKey, "state", "failed", "finishedOn", ARGV[4])
local keep = tonumber(redis.call("HGET", jobKey, "keepFailed") or "500") or 500
redis.call("LPUSH", KEYS[3], ARGV[2])
trimList(KEYS[3], keep, ARGV[1])
return 2
`)

// KEYS: active, delayed, marker
// ARGV: base, jobId, token, reason, runAt
var postponeScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("HGET", jobKey, "token") ~= ARGV[3] then
  return 0
end
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
  return 0
end
local attempts = tonumber(redis.call("HGET", jobKey, "attempts") or "0") or 0
if attempts > 0 then
  redis.call("HINCRBY", jobKey, "attempts", -1)
end
redis.call("HSET", jobKey, "failedReason", ARGV[4], "token", "", "state", "delayed")
redis.call("ZADD", KEYS[2], tonumber(ARGV[5]), ARGV[2])
signal(KEYS[3])
return 1
`)

// KEYS: active, wait, seq, failed, marker
// ARGV: base, now, maxStalledCount
// Returns a flat list of "r:<id>" (requeued) and "f:<id>" (failed) entries.
var moveStalledScript = redis.NewScript(luaHelpers + `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local out = {}
local requeued = 0
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local jobKey = ARGV[1] .. "job:" .. id
  if redis.call("EXISTS", jobKey) == 1 then
    local stalled = redis.call("HINCRBY", jobKey, "stalledCounter", 1)
    redis.call("HSET", jobKey, "token", "")
    if stalled > tonumber(ARGV[3]) then
      redis.call("HSET", jobKey, "state", "failed", "finishedOn", ARGV[2],
        "failedReason", "job stalled more than allowable limit")
      local keep = tonumber(redis.call("HGET", jobKey, "keepFailed") or "500") or 500
      redis.call("LPUSH", KEYS[4], id)
      trimList(KEYS[4], keep, ARGV[1])
      table.insert(out, "f:" .. id)
    else
      redis.call("HINCRBY", jobKey, "attempts", -1)
      enqueueWaiting(KEYS[2], KEYS[3], jobKey, id)
      requeued = requeued + 1
      table.insert(out, "r:" .. id)
    end
  end
end
if requeued > 0 then
  signal(KEYS[5])
end
return out
`)

// KEYS: wait, delayed
// ARGV: base, jobId
var removeScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[2]) + redis.call("ZREM", KEYS[2], ARGV[2])
if removed == 0 then
  return 0
end
redis.call("DEL", ARGV[1] .. "job:" .. ARGV[2])
return 1
`)

// KEYS: failed, wait, seq, marker
// ARGV: base, jobId
var retryFailedScript = redis.NewScript(luaHelpers + `
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("EXISTS", jobKey) == 0 then
  return 0
end
if redis.call("LREM", KEYS[1], 0, ARGV[2]) == 0 then
  return 0
end
redis.call("HSET", jobKey, "attempts", 0, "stalledCounter", 0, "failedReason", "")
redis.call("HDEL", jobKey, "finishedOn", "processedOn")
enqueueWaiting(KEYS[2], KEYS[3], jobKey, ARGV[2])
signal(KEYS[4])
return 1
`)
