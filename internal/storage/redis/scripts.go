package redis

const (
	// saveStateScript replaces a user's usage state unless the stored copy is
	// at least as new, and maintains the active-session index.
	saveStateScript = `
local state_key = KEYS[1]      -- minutemeter:state:{userID}
local active_set = KEYS[2]     -- minutemeter:users:active

local user_id = ARGV[1]
local version = tonumber(ARGV[2])
local data = ARGV[3]
local active = ARGV[4]

local current = redis.call('HGET', state_key, 'version')
if current and tonumber(current) >= version then
  return 'STALE'
end

redis.call('HSET', state_key,
  'user_id', user_id,
  'version', version,
  'data', data
)

if active == '1' then
  redis.call('SADD', active_set, user_id)
else
  redis.call('SREM', active_set, user_id)
end

return 'OK'
`

	// upsertPeriodScript writes a period row with last-writer-wins on version.
	// Archived rows are frozen unless the write is itself an archive.
	upsertPeriodScript = `
local period_key = KEYS[1]     -- minutemeter:period:{userID}:{periodStart}
local index_key = KEYS[2]      -- minutemeter:periods:{userID}

local user_id = ARGV[1]
local plan = ARGV[2]
local minutes_used = ARGV[3]
local minutes_limit = ARGV[4]
local period_start = ARGV[5]
local period_end = ARGV[6]
local version = tonumber(ARGV[7])
local synced_at = ARGV[8]
local archive = ARGV[9]

local existing = redis.call('HMGET', period_key, 'version', 'archived')
if existing[1] then
  if existing[2] == '1' and archive ~= '1' then
    return 'ARCHIVED'
  end
  if tonumber(existing[1]) > version then
    if archive == '1' then
      redis.call('HSET', period_key, 'archived', '1')
      return 'OK'
    end
    return 'STALE'
  end
end

redis.call('HSET', period_key,
  'user_id', user_id,
  'plan', plan,
  'minutes_used', minutes_used,
  'minutes_limit', minutes_limit,
  'period_start', period_start,
  'period_end', period_end,
  'version', version,
  'synced_at', synced_at,
  'archived', archive
)
redis.call('SADD', index_key, period_start)

return 'OK'
`

	// insertSessionScript records a closed session once and indexes it by
	// user and by end time.
	insertSessionScript = `
local session_key = KEYS[1]    -- minutemeter:session:{sessionID}
local user_index = KEYS[2]     -- minutemeter:sessions:user:{userID}
local ended_index = KEYS[3]    -- minutemeter:sessions:ended

local session_id = ARGV[1]
local ended_score = tonumber(ARGV[5])

if redis.call('EXISTS', session_key) == 1 then
  return 'EXISTS'
end

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', ARGV[2],
  'started_at', ARGV[3],
  'ended_at', ARGV[4],
  'minutes_used', ARGV[6],
  'topic', ARGV[7],
  'difficulty', ARGV[8],
  'end_reason', ARGV[9]
)
redis.call('ZADD', user_index, ended_score, session_id)
redis.call('ZADD', ended_index, ended_score, session_id)

return 'OK'
`
)
