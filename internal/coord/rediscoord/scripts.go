// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rediscoord

import "github.com/redis/go-redis/v9"

// Every script takes the namespace as ARGV[1] and replies with
//
//	{status, version, owner, ctime, mtime, data, event..., "--", extra...}
//
// where each event is "<kind>|<path>" and is published by the caller once
// the script has committed. Ephemeral nodes whose owning session lease is
// gone are treated as absent and purged on first touch.
const prelude = `
local ns = ARGV[1]
local ev = {}
local function nkey(p) return ns .. ':node:' .. p end
local function ckey(p) return ns .. ':children:' .. p end
local function skey(id) return ns .. ':session:' .. id end
local function ekey(id) return ns .. ':eph:' .. id end
local function parent(p)
  local par = string.match(p, '^(.*)/[^/]+$')
  if par == nil or par == '' then return '/' end
  return par
end
local function base(p) return string.match(p, '[^/]+$') end
local function exists(p) return redis.call('EXISTS', nkey(p)) == 1 end
local function live(p)
  if not exists(p) then return false end
  local owner = redis.call('HGET', nkey(p), 'owner')
  if owner and owner ~= '' and redis.call('EXISTS', skey(owner)) == 0 then return false end
  return true
end
local function purge(p)
  local owner = redis.call('HGET', nkey(p), 'owner')
  redis.call('DEL', nkey(p))
  redis.call('DEL', ckey(p))
  if owner and owner ~= '' then redis.call('SREM', ekey(owner), p) end
  local par = parent(p)
  redis.call('SREM', ckey(par), base(p))
  table.insert(ev, 'deleted|' .. p)
  table.insert(ev, 'children|' .. par)
end
local function insert(p, data, owner, now)
  redis.call('HSET', nkey(p), 'data', data, 'version', '0', 'owner', owner, 'ctime', now, 'mtime', now)
  local par = parent(p)
  redis.call('SADD', ckey(par), base(p))
  if owner ~= '' then redis.call('SADD', ekey(owner), p) end
  table.insert(ev, 'created|' .. p)
  table.insert(ev, 'children|' .. par)
end
local function reply(status, p, data, extra)
  local out = {status, '0', '', '0', '0', data or ''}
  if p ~= nil and exists(p) then
    local f = redis.call('HMGET', nkey(p), 'version', 'owner', 'ctime', 'mtime')
    out[2] = f[1] or '0'
    out[3] = f[2] or ''
    out[4] = f[3] or '0'
    out[5] = f[4] or '0'
  end
  for _, e in ipairs(ev) do table.insert(out, e) end
  table.insert(out, '--')
  if extra ~= nil then
    for _, x in ipairs(extra) do table.insert(out, x) end
  end
  return out
end
local function session_ok(id)
  return redis.call('EXISTS', skey(id)) == 1
end
`

// ARGV: ns, session, path, data, owner, nowMillis
var createScript = redis.NewScript(prelude + `
local sess, p, data, owner, now = ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]
if not session_ok(sess) then return reply('NOSESSION') end
if exists(p) then
  if live(p) then return reply('EXISTS') end
  purge(p)
end
local i = 2
while true do
  local j = string.find(p, '/', i, true)
  if not j then break end
  local anc = string.sub(p, 1, j - 1)
  if not live(anc) then
    if exists(anc) then purge(anc) end
    insert(anc, '', '', now)
  end
  i = j + 1
end
insert(p, data, owner, now)
return reply('OK', p)
`)

// ARGV: ns, session, path, data, expectedVersion, nowMillis
var setScript = redis.NewScript(prelude + `
local sess, p, data, want, now = ARGV[2], ARGV[3], ARGV[4], tonumber(ARGV[5]), ARGV[6]
if not session_ok(sess) then return reply('NOSESSION') end
if not live(p) then
  if exists(p) then purge(p) end
  return reply('NONODE')
end
local version = tonumber(redis.call('HGET', nkey(p), 'version'))
if want ~= -1 and want ~= version then return reply('BADVERSION', p) end
redis.call('HSET', nkey(p), 'data', data, 'version', tostring(version + 1), 'mtime', now)
table.insert(ev, 'changed|' .. p)
return reply('OK', p)
`)

// ARGV: ns, session, path, expectedVersion
var deleteScript = redis.NewScript(prelude + `
local sess, p, want = ARGV[2], ARGV[3], tonumber(ARGV[4])
if not session_ok(sess) then return reply('NOSESSION') end
if not live(p) then
  if exists(p) then purge(p) end
  return reply('NONODE')
end
local version = tonumber(redis.call('HGET', nkey(p), 'version'))
if want ~= -1 and want ~= version then return reply('BADVERSION', p) end
for _, name in ipairs(redis.call('SMEMBERS', ckey(p))) do
  local child = p .. '/' .. name
  if not live(child) then
    if exists(child) then purge(child) else redis.call('SREM', ckey(p), name) end
  end
end
if redis.call('SCARD', ckey(p)) > 0 then return reply('NOTEMPTY', p) end
purge(p)
return reply('OK')
`)

// ARGV: ns, session, path
var getScript = redis.NewScript(prelude + `
local sess, p = ARGV[2], ARGV[3]
if not session_ok(sess) then return reply('NOSESSION') end
if not live(p) then
  if exists(p) then purge(p) end
  return reply('NONODE')
end
return reply('OK', p, redis.call('HGET', nkey(p), 'data'))
`)

// ARGV: ns, session, path. Extra carries the live child names.
var childrenScript = redis.NewScript(prelude + `
local sess, p = ARGV[2], ARGV[3]
if not session_ok(sess) then return reply('NOSESSION') end
if p ~= '/' and not live(p) then
  if exists(p) then purge(p) end
  return reply('NONODE')
end
local names = {}
for _, name in ipairs(redis.call('SMEMBERS', ckey(p))) do
  local child = p .. '/' .. name
  if p == '/' then child = '/' .. name end
  if live(child) then
    table.insert(names, name)
  elseif exists(child) then
    purge(child)
  else
    redis.call('SREM', ckey(p), name)
  end
end
return reply('OK', p, nil, names)
`)

// Removes the ephemerals of every registered session whose lease is gone.
// ARGV: ns
var reapScript = redis.NewScript(prelude + `
for _, id in ipairs(redis.call('SMEMBERS', ns .. ':sessions')) do
  if not session_ok(id) then
    for _, p in ipairs(redis.call('SMEMBERS', ekey(id))) do
      if exists(p) and redis.call('HGET', nkey(p), 'owner') == id then purge(p) end
    end
    redis.call('DEL', ekey(id))
    redis.call('SREM', ns .. ':sessions', id)
  end
end
return reply('OK')
`)
