package storage

// IncrementWindowScript atomically counts a hit in a fixed window for
// Redis-protocol servers.
//
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
//
// Returns {count, remaining window in milliseconds}. The expiry is only set on
// the first hit of a window, so later hits never extend it. A counter left
// without an expiry (for example after a failover) gets one on the next hit.
const IncrementWindowScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`
