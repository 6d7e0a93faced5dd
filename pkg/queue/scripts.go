package queue

import "github.com/redis/go-redis/v9"

// enqueueScript assigns a job id, writes the job hash and makes the job
// visible, either immediately on the wait list or in the delayed set.
// KEYS[1] = id counter
// KEYS[2] = wait list
// KEYS[3] = delayed zset
// KEYS[4] = job key prefix ("bull:<queue>:")
// ARGV[1] = data (JSON)
// ARGV[2] = enqueue timestamp (unix ms)
// ARGV[3] = max attempts
// ARGV[4] = base backoff delay (ms)
// ARGV[5] = initial delay (ms, 0 = immediate)
var enqueueScript = redis.NewScript(`
local id = redis.call("INCR", KEYS[1])
local jobKey = KEYS[4] .. id
redis.call("HSET", jobKey,
	"data", ARGV[1],
	"timestamp", ARGV[2],
	"attemptsMade", 0,
	"maxAttempts", ARGV[3],
	"baseDelay", ARGV[4])
local delay = tonumber(ARGV[5])
if delay > 0 then
	redis.call("ZADD", KEYS[3], tonumber(ARGV[2]) + delay, id)
else
	redis.call("LPUSH", KEYS[2], id)
end
return id
`)

// leaseScript atomically moves the oldest waiting job to the active list,
// takes the lease lock and increments the attempt counter.
// KEYS[1] = wait list
// KEYS[2] = active list
// KEYS[3] = job key prefix
// ARGV[1] = lock token
// ARGV[2] = lock TTL (ms)
// ARGV[3] = lease timestamp (unix ms)
var leaseScript = redis.NewScript(`
local id = redis.call("RPOP", KEYS[1])
if not id then
	return nil
end
redis.call("LPUSH", KEYS[2], id)
local jobKey = KEYS[3] .. id
redis.call("SET", jobKey .. ":lock", ARGV[1], "PX", ARGV[2])
local attempts = redis.call("HINCRBY", jobKey, "attemptsMade", 1)
redis.call("HSET", jobKey, "processedOn", ARGV[3])
local data = redis.call("HGET", jobKey, "data") or ""
local maxAttempts = redis.call("HGET", jobKey, "maxAttempts") or ""
local baseDelay = redis.call("HGET", jobKey, "baseDelay") or ""
local timestamp = redis.call("HGET", jobKey, "timestamp") or ""
local failedReason = redis.call("HGET", jobKey, "failedReason") or ""
return {id, data, attempts, maxAttempts, baseDelay, timestamp, failedReason}
`)

// ackScript completes a job. It refuses to touch state when the lease lock
// is no longer held by the caller.
// KEYS[1] = active list
// KEYS[2] = job key
// KEYS[3] = lock key
// ARGV[1] = lock token
// ARGV[2] = job id
// ARGV[3] = completion timestamp (unix ms)
// ARGV[4] = completed-job retention (seconds)
var ackScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[3])
redis.call("LREM", KEYS[1], 1, ARGV[2])
redis.call("HSET", KEYS[2], "finishedOn", ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return 1
`)

// retryScript records the failure and parks the job in the delayed set for
// its next attempt.
// KEYS[1] = active list
// KEYS[2] = job key
// KEYS[3] = lock key
// KEYS[4] = delayed zset
// ARGV[1] = lock token
// ARGV[2] = job id
// ARGV[3] = failure reason
// ARGV[4] = promote-at timestamp (unix ms)
var retryScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[3])
redis.call("LREM", KEYS[1], 1, ARGV[2])
redis.call("HSET", KEYS[2], "failedReason", ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[4], ARGV[2])
return 1
`)

// buryScript removes an exhausted job from the active list. The dead-letter
// entry is enqueued separately before this runs, so a crash in between can
// only duplicate the DLQ entry, never lose the job.
// KEYS[1] = active list
// KEYS[2] = job key
// KEYS[3] = lock key
// ARGV[1] = lock token
// ARGV[2] = job id
// ARGV[3] = failure reason
// ARGV[4] = failure timestamp (unix ms)
// ARGV[5] = failed-job retention (seconds)
var buryScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[3])
redis.call("LREM", KEYS[1], 1, ARGV[2])
redis.call("HSET", KEYS[2], "failedReason", ARGV[3], "finishedOn", ARGV[4])
redis.call("EXPIRE", KEYS[2], ARGV[5])
return 1
`)

// promoteScript moves due delayed jobs back onto the wait list. RPUSH puts
// them at the consuming end so a retry does not queue behind fresh work.
// KEYS[1] = delayed zset
// KEYS[2] = wait list
// ARGV[1] = now (unix ms)
// ARGV[2] = batch size
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("RPUSH", KEYS[2], id)
end
return #due
`)

// reclaimScript returns active jobs whose lease lock has expired to the
// wait list. The attempt was already counted at lease time.
// KEYS[1] = active list
// KEYS[2] = wait list
// KEYS[3] = job key prefix
var reclaimScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
	if redis.call("EXISTS", KEYS[3] .. id .. ":lock") == 0 then
		redis.call("LREM", KEYS[1], 1, id)
		redis.call("RPUSH", KEYS[2], id)
		moved = moved + 1
	end
end
return moved
`)

// extendScript renews the lease lock if the caller still holds it.
// KEYS[1] = lock key
// ARGV[1] = lock token
// ARGV[2] = new TTL (ms)
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)
