// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/redis/go-redis/v9"
)

// reserveCmd conditionally records a concurrency reservation.
//
// Both the queue set and the environment set are checked against their limits
// in one script; only if both have headroom is the run ID added to both.
// Interleaving with a competing reservation is not observable.
//
// Input:
// KEYS[1] -> queue currentConcurrency set
// KEYS[2] -> env currentConcurrency set
// KEYS[3] -> queue concurrencyLimit key
// KEYS[4] -> env concurrencyLimit key
// --
// ARGV[1] -> run ID
// ARGV[2] -> default concurrency limit
//
// Output:
// Returns 1 if the reservation was recorded, 0 if either level had no headroom.
var reserveCmd = redis.NewScript(`
local envlimit = tonumber(redis.call("GET", KEYS[4]) or ARGV[2])
local qlimit = tonumber(redis.call("GET", KEYS[3]) or envlimit)
if redis.call("SCARD", KEYS[1]) >= qlimit then
	return 0
end
if redis.call("SCARD", KEYS[2]) >= envlimit then
	return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// Reserve records a concurrency reservation for the given run against both
// the queue and the environment. It returns false, reserving nothing, if
// either level is at its limit.
func (r *RDB) Reserve(ctx context.Context, q base.QueueID, runID string) (bool, error) {
	var op errors.Op = "rdb.Reserve"
	keys := []string{
		base.QueueConcurrencyKey(q),
		base.EnvConcurrencyKey(q.OrgID, q.EnvID),
		base.QueueConcurrencyLimitKey(q),
		base.EnvConcurrencyLimitKey(q.OrgID, q.EnvID),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, reserveCmd, keys, runID, DefaultConcurrencyLimit)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// releaseCmd removes a run ID from both concurrency sets.
//
// Input:
// KEYS[1] -> queue currentConcurrency set
// KEYS[2] -> env currentConcurrency set
// --
// ARGV[1] -> run ID
var releaseCmd = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[2], ARGV[1])
return redis.status_reply("OK")
`)

// Release removes the given run's reservation from both the queue and the
// environment set. Releasing a run that holds no reservation is a no-op.
func (r *RDB) Release(ctx context.Context, q base.QueueID, runID string) error {
	var op errors.Op = "rdb.Release"
	keys := []string{
		base.QueueConcurrencyKey(q),
		base.EnvConcurrencyKey(q.OrgID, q.EnvID),
	}
	return r.runScript(ctx, op, releaseCmd, keys, runID)
}

// CurrentConcurrency reports the cardinality of the given concurrency set.
// The key is produced by base.QueueConcurrencyKey or base.EnvConcurrencyKey.
func (r *RDB) CurrentConcurrency(ctx context.Context, key string) (int, error) {
	var op errors.Op = "rdb.CurrentConcurrency"
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return int(n), nil
}

// SetQueueConcurrencyLimit updates the queue-level concurrency limit,
// independently of the queue's message contents.
func (r *RDB) SetQueueConcurrencyLimit(ctx context.Context, q base.QueueID, limit int) error {
	var op errors.Op = "rdb.SetQueueConcurrencyLimit"
	if limit < 1 {
		return errors.E(op, errors.FailedPrecondition, "concurrency limit must be positive")
	}
	if err := r.client.Set(ctx, base.QueueConcurrencyLimitKey(q), limit, 0).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// SetEnvConcurrencyLimit updates the environment-level concurrency limit.
func (r *RDB) SetEnvConcurrencyLimit(ctx context.Context, orgID, envID string, limit int) error {
	var op errors.Op = "rdb.SetEnvConcurrencyLimit"
	if limit < 1 {
		return errors.E(op, errors.FailedPrecondition, "concurrency limit must be positive")
	}
	if err := r.client.Set(ctx, base.EnvConcurrencyLimitKey(orgID, envID), limit, 0).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// EnvConcurrencyLimit reads the environment-level concurrency limit, falling
// back to the default when none is stored.
func (r *RDB) EnvConcurrencyLimit(ctx context.Context, orgID, envID string) (int, error) {
	var op errors.Op = "rdb.EnvConcurrencyLimit"
	val, err := r.client.Get(ctx, base.EnvConcurrencyLimitKey(orgID, envID)).Result()
	if err == redis.Nil {
		return DefaultConcurrencyLimit, nil
	}
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("malformed concurrency limit %q", val))
	}
	return n, nil
}

// ListQueueKeys returns the keys of all queues known to the broker.
func (r *RDB) ListQueueKeys(ctx context.Context) ([]string, error) {
	var op errors.Op = "rdb.ListQueueKeys"
	keys, err := r.client.SMembers(ctx, base.AllQueues).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return keys, nil
}

// LeasedRunIDs returns the members of the queue's currentConcurrency set.
func (r *RDB) LeasedRunIDs(ctx context.Context, q base.QueueID) ([]string, error) {
	var op errors.Op = "rdb.LeasedRunIDs"
	ids, err := r.client.SMembers(ctx, base.QueueConcurrencyKey(q)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return ids, nil
}

// MarkCompleted adds the given queueKey|runID members to the sweeper's
// marked-for-removal set. The set is stored in redis so a restarted
// scheduler keeps pending corrections.
func (r *RDB) MarkCompleted(ctx context.Context, members []string) error {
	var op errors.Op = "rdb.MarkCompleted"
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, base.SweeperMarkedKey, args...).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// PopMarked removes and returns up to count members from the sweeper's
// marked-for-removal set.
func (r *RDB) PopMarked(ctx context.Context, count int) ([]string, error) {
	var op errors.Op = "rdb.PopMarked"
	members, err := r.client.SPopN(ctx, base.SweeperMarkedKey, int64(count)).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return members, nil
}
