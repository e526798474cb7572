// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// enqueueCmd inserts a message into its queue's pending set and registers the
// queue in the dispatch indexes.
//
// Input:
// KEYS[1] -> pending set of the queue
// KEYS[2] -> message hash key
// KEYS[3] -> fq:tenantq:{<tenant>}
// KEYS[4] -> fq:dispatch:{<shard>}
// KEYS[5] -> fq:master:{<shard>}
// KEYS[6] -> fq:queues
// --
// ARGV[1] -> message ID
// ARGV[2] -> encoded message data
// ARGV[3] -> availability time in unix msec
// ARGV[4] -> visibility timeout in msec (0 for broker default)
// ARGV[5] -> queue key (index member)
// ARGV[6] -> tenant (index member)
//
// Output:
// Returns 1 if successfully enqueued.
// Returns 0 if a message with the same ID already exists.
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2],
           "msg", ARGV[2],
           "state", "pending",
           "vt", ARGV[4],
           "attempt", 0)
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
redis.call("SADD", KEYS[6], ARGV[5])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
redis.call("ZADD", KEYS[3], oldest[2], ARGV[5])
redis.call("ZADD", KEYS[5], oldest[2], ARGV[5])
local toldest = redis.call("ZRANGE", KEYS[3], 0, 0, "WITHSCORES")
redis.call("ZADD", KEYS[4], toldest[2], ARGV[6])
return 1
`)

// Enqueue adds the given message to the pending set of its queue.
// The queue is created implicitly on first enqueue and registered in the
// master shard and tenant dispatch index.
//
// Enqueue returns ErrDuplicateMessage if a message with the same ID already
// exists in the queue.
func (r *RDB) Enqueue(ctx context.Context, msg *base.RunMessage, opts base.EnqueueOptions) error {
	var op errors.Op = "rdb.Enqueue"
	q := msg.QueueID()
	if err := q.Validate(); err != nil {
		return errors.E(op, errors.FailedPrecondition, err)
	}
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	availableAt := opts.AvailableAt
	if availableAt.IsZero() {
		availableAt = r.clock.Now()
	}
	queueKey := base.QueueKey(q)
	shard := base.ShardForQueue(queueKey, r.shardCount)
	keys := []string{
		base.PendingKey(q),
		base.MessageKey(q, msg.ID),
		base.TenantQueuesKey(q.Tenant()),
		base.DispatchShardKey(shard),
		base.MasterShardKey(shard),
		base.AllQueues,
	}
	argv := []interface{}{
		msg.ID,
		encoded,
		availableAt.UnixMilli(),
		opts.VisibilityTimeout.Milliseconds(),
		queueKey,
		q.Tenant().String(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateMessage)
	}
	return nil
}

// dequeueCmd attempts to lease the head message of one queue.
//
// It first requeues any in-flight entries whose lease has expired, then pops
// the oldest available pending entry if both the queue and the environment
// have concurrency headroom, moving it into the in-flight set scored by its
// lease expiration and recording the reservation in both concurrency sets.
//
// Input:
// KEYS[1] -> pending set of the queue
// KEYS[2] -> in-flight set of the queue
// KEYS[3] -> queue currentConcurrency set
// KEYS[4] -> env currentConcurrency set
// KEYS[5] -> queue concurrencyLimit key
// KEYS[6] -> env concurrencyLimit key
// KEYS[7] -> fq:tenantq:{<tenant>}
// KEYS[8] -> fq:dispatch:{<shard>}
// KEYS[9] -> fq:master:{<shard>}
// --
// ARGV[1] -> current time in unix msec
// ARGV[2] -> default visibility timeout in msec
// ARGV[3] -> message key prefix
// ARGV[4] -> queue key (index member)
// ARGV[5] -> tenant (index member)
// ARGV[6] -> default concurrency limit
//
// Output:
// Returns nil if no message is available or there is no concurrency headroom.
// Returns {msg, visibility timeout msec, lease expiration unix msec, attempt}.
var dequeueCmd = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZADD", KEYS[1], ARGV[1], id)
	redis.call("SREM", KEYS[3], id)
	redis.call("SREM", KEYS[4], id)
	redis.call("HSET", ARGV[3] .. id, "state", "pending")
end

local function refresh_indexes()
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	if #oldest == 0 then
		redis.call("ZREM", KEYS[7], ARGV[4])
		redis.call("ZREM", KEYS[9], ARGV[4])
	else
		redis.call("ZADD", KEYS[7], oldest[2], ARGV[4])
		redis.call("ZADD", KEYS[9], oldest[2], ARGV[4])
	end
	local toldest = redis.call("ZRANGE", KEYS[7], 0, 0, "WITHSCORES")
	if #toldest == 0 then
		redis.call("ZREM", KEYS[8], ARGV[5])
	else
		redis.call("ZADD", KEYS[8], toldest[2], ARGV[5])
	end
end

local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #head == 0 or tonumber(head[2]) > tonumber(ARGV[1]) then
	refresh_indexes()
	return nil
end
local id = head[1]

local envlimit = tonumber(redis.call("GET", KEYS[6]) or ARGV[6])
local qlimit = tonumber(redis.call("GET", KEYS[5]) or envlimit)
if redis.call("SCARD", KEYS[3]) >= qlimit then
	return nil
end
if redis.call("SCARD", KEYS[4]) >= envlimit then
	return nil
end

redis.call("ZREM", KEYS[1], id)
local vt = tonumber(redis.call("HGET", ARGV[3] .. id, "vt") or 0)
if vt == 0 then
	vt = tonumber(ARGV[2])
end
local expiry = tonumber(ARGV[1]) + vt
redis.call("ZADD", KEYS[2], expiry, id)
redis.call("SADD", KEYS[3], id)
redis.call("SADD", KEYS[4], id)
local attempt = redis.call("HINCRBY", ARGV[3] .. id, "attempt", 1)
redis.call("HSET", ARGV[3] .. id, "state", "inflight")
refresh_indexes()
local msg = redis.call("HGET", ARGV[3] .. id, "msg")
return {msg, vt, expiry, attempt}
`)

// dequeueQueue attempts to lease the head message of the given queue.
// A nil result with nil error means the queue has no eligible message right
// now (empty, future-scheduled only, or no concurrency headroom); the caller
// advances to the next candidate.
func (r *RDB) dequeueQueue(ctx context.Context, q base.QueueID) (*base.LeasedMessage, error) {
	var op errors.Op = "rdb.dequeueQueue"
	queueKey := base.QueueKey(q)
	shard := base.ShardForQueue(queueKey, r.shardCount)
	keys := []string{
		base.PendingKey(q),
		base.InFlightKey(q),
		base.QueueConcurrencyKey(q),
		base.EnvConcurrencyKey(q.OrgID, q.EnvID),
		base.QueueConcurrencyLimitKey(q),
		base.EnvConcurrencyLimitKey(q.OrgID, q.EnvID),
		base.TenantQueuesKey(q.Tenant()),
		base.DispatchShardKey(shard),
		base.MasterShardKey(shard),
	}
	argv := []interface{}{
		r.nowMs(),
		DefaultVisibilityTimeout.Milliseconds(),
		base.MessageKeyPrefix(q),
		queueKey,
		q.Tenant().String(),
		DefaultConcurrencyLimit,
	}
	res, err := dequeueCmd.Run(ctx, r.client, keys, argv...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	return decodeLeased(op, res)
}

func decodeLeased(op errors.Op, res interface{}) (*base.LeasedMessage, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	encoded, err := cast.ToStringE(arr[0])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot cast message: %v", err))
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	vtMs, err := cast.ToInt64E(arr[1])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot cast visibility timeout: %v", err))
	}
	expiryMs, err := cast.ToInt64E(arr[2])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot cast lease expiration: %v", err))
	}
	attempt, err := cast.ToIntE(arr[3])
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot cast attempt: %v", err))
	}
	msg.Attempt = attempt
	return &base.LeasedMessage{
		Message:           msg,
		VisibilityTimeout: time.Duration(vtMs) * time.Millisecond,
		LeaseExpiresAt:    time.UnixMilli(expiryMs).UTC(),
	}, nil
}

// ackCmd removes a leased message permanently and releases its reservation.
//
// Input:
// KEYS[1] -> pending set of the queue
// KEYS[2] -> in-flight set of the queue
// KEYS[3] -> queue currentConcurrency set
// KEYS[4] -> env currentConcurrency set
// KEYS[5] -> message hash key
// KEYS[6] -> fq:tenantq:{<tenant>}
// KEYS[7] -> fq:dispatch:{<shard>}
// KEYS[8] -> fq:master:{<shard>}
// KEYS[9] -> fq:queues
// --
// ARGV[1] -> message ID
// ARGV[2] -> queue key (index member)
// ARGV[3] -> tenant (index member)
//
// Output:
// Returns 1 if the message was acked, 0 if it was not in flight.
var ackCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call("DEL", KEYS[5])
redis.call("SREM", KEYS[3], ARGV[1])
redis.call("SREM", KEYS[4], ARGV[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #oldest == 0 then
	redis.call("ZREM", KEYS[6], ARGV[2])
	redis.call("ZREM", KEYS[8], ARGV[2])
else
	redis.call("ZADD", KEYS[6], oldest[2], ARGV[2])
	redis.call("ZADD", KEYS[8], oldest[2], ARGV[2])
end
local toldest = redis.call("ZRANGE", KEYS[6], 0, 0, "WITHSCORES")
if #toldest == 0 then
	redis.call("ZREM", KEYS[7], ARGV[3])
else
	redis.call("ZADD", KEYS[7], toldest[2], ARGV[3])
end
if #oldest == 0 and redis.call("ZCARD", KEYS[2]) == 0 and redis.call("SCARD", KEYS[3]) == 0 then
	redis.call("SREM", KEYS[9], ARGV[2])
end
return 1
`)

// Ack acknowledges a leased message, removing it permanently and releasing
// its concurrency reservation. A fully drained queue is removed from the
// dispatch indexes.
func (r *RDB) Ack(ctx context.Context, q base.QueueID, id string) error {
	var op errors.Op = "rdb.Ack"
	queueKey := base.QueueKey(q)
	shard := base.ShardForQueue(queueKey, r.shardCount)
	keys := []string{
		base.PendingKey(q),
		base.InFlightKey(q),
		base.QueueConcurrencyKey(q),
		base.EnvConcurrencyKey(q.OrgID, q.EnvID),
		base.MessageKey(q, id),
		base.TenantQueuesKey(q.Tenant()),
		base.DispatchShardKey(shard),
		base.MasterShardKey(shard),
		base.AllQueues,
	}
	argv := []interface{}{id, queueKey, q.Tenant().String()}
	n, err := r.runScriptWithErrorCode(ctx, op, ackCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.MessageNotFoundError{QueueKey: queueKey, ID: id})
	}
	return nil
}

// extendLeaseCmd pushes the lease expiration of the given in-flight messages
// forward, without ever shortening an existing lease.
//
// Input:
// KEYS[1] -> in-flight set of the queue
// --
// ARGV[1] -> new lease expiration in unix msec
// ARGV[2:] -> message IDs
//
// Output:
// Returns the number of leases extended.
var extendLeaseCmd = redis.NewScript(`
local extended = 0
for i = 2, #ARGV do
	local score = redis.call("ZSCORE", KEYS[1], ARGV[i])
	if score and tonumber(score) < tonumber(ARGV[1]) then
		redis.call("ZADD", KEYS[1], ARGV[1], ARGV[i])
		extended = extended + 1
	end
end
return extended
`)

// ExtendLease extends the leases of the given messages by the default
// visibility timeout from now and returns the new expiration time.
//
// Messages whose lease already lapsed (and were therefore requeued) are
// skipped; extending them would resurrect a claim another worker may now hold.
// If none of the given messages is still leased, ExtendLease returns
// ErrLeaseNotFound.
func (r *RDB) ExtendLease(ctx context.Context, q base.QueueID, ids ...string) (time.Time, error) {
	var op errors.Op = "rdb.ExtendLease"
	if len(ids) == 0 {
		return time.Time{}, errors.E(op, errors.FailedPrecondition, "no message ids given")
	}
	expiresAt := r.clock.Now().Add(DefaultVisibilityTimeout)
	argv := make([]interface{}, 0, len(ids)+1)
	argv = append(argv, expiresAt.UnixMilli())
	for _, id := range ids {
		argv = append(argv, id)
	}
	n, err := r.runScriptWithErrorCode(ctx, op, extendLeaseCmd, []string{base.InFlightKey(q)}, argv...)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, errors.E(op, errors.NotFound, errors.ErrLeaseNotFound)
	}
	return expiresAt, nil
}

// PendingCount reports the number of pending messages in the queue.
// If includeFuture is false, messages scheduled after now are not counted.
func (r *RDB) PendingCount(ctx context.Context, q base.QueueID, includeFuture bool) (int64, error) {
	var op errors.Op = "rdb.PendingCount"
	var (
		n   int64
		err error
	)
	if includeFuture {
		n, err = r.client.ZCard(ctx, base.PendingKey(q)).Result()
	} else {
		n, err = r.client.ZCount(ctx, base.PendingKey(q), "-inf", fmt.Sprintf("%d", r.nowMs())).Result()
	}
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return n, nil
}

// InFlightCount reports the number of currently leased messages in the queue.
func (r *RDB) InFlightCount(ctx context.Context, q base.QueueID) (int64, error) {
	var op errors.Op = "rdb.InFlightCount"
	n, err := r.client.ZCard(ctx, base.InFlightKey(q)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return n, nil
}
