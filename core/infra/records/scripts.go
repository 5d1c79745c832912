package records

import "github.com/redis/go-redis/v9"

// Outcomes returned by consumeScript and mirrored by the WATCH path.
const (
	statusGone      int64 = 0
	statusUnlimited int64 = 1
	statusCounted   int64 = 2
	statusExhausted int64 = 3
	statusPurged    int64 = 4
)

// consumeScript decrements the remaining counter of KEYS[1] and deletes the hash
// when it reaches zero. Expired or zero-count leftovers are purged. ARGV[1] is
// the current time in unix milliseconds.
//
// Returns {status, remaining, path}; path is set only when the hash was deleted.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 0 then
  return {0, 0, ''}
end
local exp = tonumber(redis.call('HGET', key, 'expires_at') or '0')
if exp and exp > 0 and exp <= now then
  local path = redis.call('HGET', key, 'path') or ''
  redis.call('DEL', key)
  return {4, 0, path}
end
local rem = redis.call('HGET', key, 'remaining')
if not rem then
  return {1, 0, ''}
end
if tonumber(rem) <= 0 then
  local path = redis.call('HGET', key, 'path') or ''
  redis.call('DEL', key)
  return {4, 0, path}
end
local left = redis.call('HINCRBY', key, 'remaining', -1)
if left <= 0 then
  local path = redis.call('HGET', key, 'path') or ''
  redis.call('DEL', key)
  return {3, 0, path}
end
return {2, left, ''}
`)
