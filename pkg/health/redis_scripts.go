package health

// Lua scripts for atomic read-modify-write of health records. The EWMA and
// score updates need the previous value, so they run server-side to stay
// consistent when several relay processes share one Redis.

const (
	// recordOutcomeScript folds one observation into the record hash.
	//
	// Keys:
	//   KEYS[1] - record hash key (e.g. "llmrelay:health:openai")
	//
	// Args:
	//   ARGV[1] - latency sample in milliseconds (float)
	//   ARGV[2] - "1" for success, "0" for failure
	//   ARGV[3] - error kind (failure only, empty string otherwise)
	//   ARGV[4] - unix milliseconds now
	//   ARGV[5] - EWMA alpha (float)
	//   ARGV[6] - latency penalty divisor in milliseconds (float)
	recordOutcomeScript = `
local key = KEYS[1]
local latency = tonumber(ARGV[1])
local success = ARGV[2] == "1"
local kind = ARGV[3]
local now_ms = tonumber(ARGV[4])
local alpha = tonumber(ARGV[5])
local divisor = tonumber(ARGV[6])

local ewma = tonumber(redis.call('HGET', key, 'latency_ewma_ms')) or 0
if ewma == 0 then
    ewma = latency
else
    ewma = alpha * latency + (1 - alpha) * ewma
end

local succ = tonumber(redis.call('HGET', key, 'success_count')) or 0
local fail = tonumber(redis.call('HGET', key, 'failure_count')) or 0

if success then
    succ = succ + 1
    redis.call('HSET', key, 'success_count', succ, 'last_success_at', now_ms)
else
    fail = fail + 1
    redis.call('HSET', key, 'failure_count', fail, 'last_failure_at', now_ms, 'last_error_kind', kind)
end

local total = succ + fail
local rate = 1.0
if total > 0 then
    rate = succ / total
end
local penalty = ewma / divisor
if penalty > 0.5 then
    penalty = 0.5
end
local score = rate * (1 - penalty)
if score < 0 then score = 0 end
if score > 1 then score = 1 end

redis.call('HSET', key, 'latency_ewma_ms', ewma, 'score', score)
if redis.call('HEXISTS', key, 'circuit_state') == 0 then
    redis.call('HSET', key, 'circuit_state', 'closed')
end

return redis.status_reply("OK")
`

	// setCircuitStateScript persists a circuit transition, clearing the
	// opened-at and cooldown fields when the transition does not carry them.
	//
	// Keys:
	//   KEYS[1] - record hash key
	//
	// Args:
	//   ARGV[1] - circuit state string
	//   ARGV[2] - opened-at unix milliseconds, or "" to clear
	//   ARGV[3] - cooldown-until unix milliseconds, or "" to leave as-is
	//             ("clear" clears it)
	setCircuitStateScript = `
local key = KEYS[1]
redis.call('HSET', key, 'circuit_state', ARGV[1])
if ARGV[2] == "" then
    redis.call('HDEL', key, 'circuit_opened_at')
else
    redis.call('HSET', key, 'circuit_opened_at', ARGV[2])
end
if ARGV[3] == "clear" then
    redis.call('HDEL', key, 'cooldown_until')
elseif ARGV[3] ~= "" then
    redis.call('HSET', key, 'cooldown_until', ARGV[3])
end
return redis.status_reply("OK")
`
)
