package redisstore

import "github.com/redis/go-redis/v9"

// KEYS: entity, tombstone, all-index, change log, command step journal.
// ARGV: op, expected version, id, now ms, fields json, changes json, indexes json, type,
// step name (empty for none), journal ttl ms.
var writeEntityScript = redis.NewScript(`
local key, tomb, allKey, stream, journal = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local op, expected, id, now = ARGV[1], tonumber(ARGV[2]), ARGV[3], ARGV[4]
local fields = cjson.decode(ARGV[5])
local changes = ARGV[6]
local indexes = cjson.decode(ARGV[7])
local step = ARGV[9]

if step ~= '' and redis.call('HEXISTS', journal, step) == 1 then
  return redis.error_reply('STEPAPPLIED')
end

local exists = redis.call('EXISTS', key) == 1
local current = 0
if exists then
  current = tonumber(redis.call('HGET', key, 'version') or '0')
end
if op == 'create' then
  if exists then return redis.error_reply('CONFLICT') end
elseif op == 'update' or op == 'delete' then
  if not exists then return redis.error_reply('NOTFOUND') end
  if expected > 0 and current ~= expected then return redis.error_reply('CONFLICT') end
else
  return redis.error_reply('ERR unknown op ' .. op)
end

local version = current + 1
if not exists then
  version = tonumber(redis.call('GET', tomb) or '0') + 1
end

for _, ix in ipairs(indexes) do
  local old = ''
  if exists then old = redis.call('HGET', key, ix[2]) or '' end
  local nxt = ''
  if op ~= 'delete' then nxt = fields[ix[2]] or '' end
  if old ~= '' and old ~= nxt then redis.call('SREM', ix[1] .. old, id) end
  if nxt ~= '' then redis.call('SADD', ix[1] .. nxt, id) end
end

if op == 'delete' then
  redis.call('DEL', key)
  redis.call('SET', tomb, tostring(version))
  redis.call('SREM', allKey, id)
  changes = '{}'
else
  redis.call('DEL', key)
  local args = {}
  for k, v in pairs(fields) do
    args[#args + 1] = k
    args[#args + 1] = v
  end
  args[#args + 1] = 'id'
  args[#args + 1] = id
  args[#args + 1] = 'version'
  args[#args + 1] = tostring(version)
  args[#args + 1] = 'dirty'
  args[#args + 1] = '1'
  args[#args + 1] = 'updatedAt'
  args[#args + 1] = now
  redis.call('HSET', key, unpack(args))
  redis.call('DEL', tomb)
  redis.call('SADD', allKey, id)
end
redis.call('XADD', stream, '*', 'entityType', ARGV[8], 'id', id, 'op', op,
  'version', tostring(version), 'changes', changes, 'updatedAt', now)
if step ~= '' then
  redis.call('HSET', journal, step, tostring(version))
  redis.call('PEXPIRE', journal, ARGV[10])
end
return version
`)

// KEYS: entity. ARGV: version.
var clearDirtyScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if v and tonumber(v) == tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'dirty', '0')
  return 1
end
return 0
`)

// KEYS: entity, finalized marker, change log.
// ARGV: reservation field, amount, now ms, type, id.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOTFOUND') end
local troops = tonumber(redis.call('HGET', KEYS[1], 'troops') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'troopsReserved') or '0')
local version = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local held = redis.call('HGET', KEYS[1], ARGV[1])
if held then return {troops, reserved, tonumber(held), version} end
if redis.call('EXISTS', KEYS[2]) == 1 then return redis.error_reply('FINALIZED') end
local amount = tonumber(ARGV[2])
if amount > troops - reserved then return redis.error_reply('INSUFFICIENT') end
reserved = reserved + amount
version = version + 1
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'troopsReserved', tostring(reserved),
  'version', tostring(version), 'dirty', '1', 'updatedAt', ARGV[3])
local changes = {}
changes[ARGV[1]] = ARGV[2]
changes['troopsReserved'] = tostring(reserved)
redis.call('XADD', KEYS[3], '*', 'entityType', ARGV[4], 'id', ARGV[5], 'op', 'update',
  'version', tostring(version), 'changes', cjson.encode(changes), 'updatedAt', ARGV[3])
return {troops, reserved, amount, version}
`)

// KEYS: entity, finalized marker, change log.
// ARGV: reservation field, casualties, now ms, type, id, finalized ttl ms.
var finalizeScript = redis.NewScript(`
local function num(field)
  return tonumber(redis.call('HGET', KEYS[1], field) or '0')
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {num('troops'), num('troopsReserved'), 0, num('version')}
end
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOTFOUND') end
local held = redis.call('HGET', KEYS[1], ARGV[1])
if not held then return redis.error_reply('NOTRESERVED') end
held = tonumber(held)
local troops = num('troops') - tonumber(ARGV[2])
if troops < 0 then troops = 0 end
local reserved = num('troopsReserved') - held
if reserved < 0 then reserved = 0 end
local version = num('version') + 1
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], 'troops', tostring(troops), 'troopsReserved', tostring(reserved),
  'version', tostring(version), 'dirty', '1', 'updatedAt', ARGV[3])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[6])
local changes = {troops = tostring(troops), troopsReserved = tostring(reserved)}
redis.call('XADD', KEYS[3], '*', 'entityType', ARGV[4], 'id', ARGV[5], 'op', 'update',
  'version', tostring(version), 'changes', cjson.encode(changes), 'updatedAt', ARGV[3])
return {troops, reserved, held, version}
`)

// KEYS: marker. ARGV: owner, lease ms. Returns a ports.MarkerState.
var beginCommandScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == 'applied' then return 1 end
if v and v ~= 'applying:' .. ARGV[1] then return 2 end
redis.call('SET', KEYS[1], 'applying:' .. ARGV[1], 'PX', ARGV[2])
return 0
`)

// KEYS: key. ARGV: expected value.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS: lease. ARGV: owner, ttl ms.
var acquireLeaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and v ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS: session, units, intents, active set. ARGV: battle id, version,
// session json, ttl ms, terminal flag, unit count, unit id/json pairs, then
// intent id/json pairs.
var saveBattleScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  local stored = cjson.decode(current)
  if tonumber(stored.version or 0) >= tonumber(ARGV[2]) then
    return redis.error_reply('CONFLICT')
  end
end
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
local units = tonumber(ARGV[6])
local i = 7
for _ = 1, units do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
  i = i + 2
end
if units > 0 then redis.call('PEXPIRE', KEYS[2], ARGV[4]) end
local intents = 0
while i < #ARGV do
  redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
  i = i + 2
  intents = intents + 1
end
if intents > 0 then redis.call('PEXPIRE', KEYS[3], ARGV[4]) end
if ARGV[5] == '1' then
  redis.call('SREM', KEYS[4], ARGV[1])
else
  redis.call('SADD', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: session, intents, units. ARGV: intent id, intent json, ttl ms.
var appendIntentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return redis.error_reply('NOTFOUND') end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
for i = 1, 3 do
  if redis.call('EXISTS', KEYS[i]) == 1 then redis.call('PEXPIRE', KEYS[i], ARGV[3]) end
end
return 1
`)
