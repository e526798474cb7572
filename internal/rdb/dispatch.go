// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/redis/go-redis/v9"
)

// peekLimit bounds how many tenants and queues one fair scan considers.
// Candidates past the limit are picked up on a later poll once older work
// drains; the limit keeps a single dequeue bounded regardless of tenant count.
const peekLimit = 16

// TenantsForShard returns up to limit tenants in the given dispatch shard
// whose oldest pending message is at or before maxScoreMs, ordered oldest
// first. Tenants whose work is entirely future-scheduled are invisible.
func (r *RDB) TenantsForShard(ctx context.Context, shard, limit int, maxScoreMs int64) ([]base.TenantScore, error) {
	var op errors.Op = "rdb.TenantsForShard"
	if shard < 0 || shard >= r.shardCount {
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("shard %d out of range [0, %d)", shard, r.shardCount))
	}
	zs, err := r.client.ZRangeByScoreWithScores(ctx, base.DispatchShardKey(shard), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", maxScoreMs),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	out := make([]base.TenantScore, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		tenant, err := base.ParseTenant(member)
		if err != nil {
			return nil, err
		}
		out = append(out, base.TenantScore{Tenant: tenant, Score: int64(z.Score)})
	}
	return out, nil
}

// QueuesForTenant returns up to limit of the tenant's queues whose oldest
// pending message is at or before maxScoreMs, ordered oldest first.
func (r *RDB) QueuesForTenant(ctx context.Context, t base.Tenant, limit int, maxScoreMs int64) ([]base.QueueScore, error) {
	var op errors.Op = "rdb.QueuesForTenant"
	zs, err := r.client.ZRangeByScoreWithScores(ctx, base.TenantQueuesKey(t), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", maxScoreMs),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	out := make([]base.QueueScore, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, base.QueueScore{QueueKey: member, Score: int64(z.Score)})
	}
	return out, nil
}

// AddTenantToShard registers a tenant in the given dispatch shard with the
// given oldest-pending timestamp.
func (r *RDB) AddTenantToShard(ctx context.Context, shard int, t base.Tenant, oldestPendingMs int64) error {
	var op errors.Op = "rdb.AddTenantToShard"
	err := r.client.ZAdd(ctx, base.DispatchShardKey(shard), redis.Z{
		Score:  float64(oldestPendingMs),
		Member: t.String(),
	}).Err()
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// RemoveTenantFromShard removes a tenant from the given dispatch shard.
func (r *RDB) RemoveTenantFromShard(ctx context.Context, shard int, t base.Tenant) error {
	var op errors.Op = "rdb.RemoveTenantFromShard"
	if err := r.client.ZRem(ctx, base.DispatchShardKey(shard), t.String()).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// RemoveQueueFromTenant removes a queue from its tenant's queue index.
func (r *RDB) RemoveQueueFromTenant(ctx context.Context, q base.QueueID) error {
	var op errors.Op = "rdb.RemoveQueueFromTenant"
	if err := r.client.ZRem(ctx, base.TenantQueuesKey(q.Tenant()), base.QueueKey(q)).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// DequeueFair scans the given dispatch shard for work and leases up to count
// messages: oldest-pending tenant first, then that tenant's oldest-pending
// queue, then the head message of that queue. A queue or tenant without
// headroom or eligible work is skipped without blocking the scan.
//
// An empty result with a nil error means no work was available; the caller
// backs off and retries.
func (r *RDB) DequeueFair(ctx context.Context, shard, count int) ([]*base.LeasedMessage, error) {
	if count < 1 {
		count = 1
	}
	now := r.nowMs()
	tenants, err := r.TenantsForShard(ctx, shard, peekLimit, now)
	if err != nil {
		return nil, err
	}
	var out []*base.LeasedMessage
	for _, ts := range tenants {
		queues, err := r.QueuesForTenant(ctx, ts.Tenant, peekLimit, now)
		if err != nil {
			return nil, err
		}
		for _, qs := range queues {
			q, err := base.ParseQueueKey(qs.QueueKey)
			if err != nil {
				// A foreign member in the index must not wedge dispatch.
				return nil, err
			}
			leased, err := r.dequeueQueue(ctx, q)
			if err != nil {
				return nil, err
			}
			if leased == nil {
				continue
			}
			out = append(out, leased)
			if len(out) >= count {
				return out, nil
			}
		}
	}
	return out, nil
}

// DequeueEnv leases up to count messages from the given environment's queues
// directly, bypassing the shard and tenant scan. This is the warm-start fast
// path: the caller already knows which environment its spare capacity
// matches, and concurrency limits still apply via dequeueQueue.
func (r *RDB) DequeueEnv(ctx context.Context, orgID, envID string, count int) ([]*base.LeasedMessage, error) {
	if count < 1 {
		count = 1
	}
	t := base.Tenant{OrgID: orgID, EnvID: envID}
	queues, err := r.QueuesForTenant(ctx, t, peekLimit, r.nowMs())
	if err != nil {
		return nil, err
	}
	var out []*base.LeasedMessage
	for _, qs := range queues {
		q, err := base.ParseQueueKey(qs.QueueKey)
		if err != nil {
			return nil, err
		}
		leased, err := r.dequeueQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		if leased == nil {
			continue
		}
		out = append(out, leased)
		if len(out) >= count {
			break
		}
	}
	return out, nil
}
