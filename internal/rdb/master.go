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

// AddQueueToMasterShard registers a queue in its master shard with the given
// oldest-pending timestamp. The shard is derived from the queue key, so
// callers cannot register a queue in the wrong shard.
func (r *RDB) AddQueueToMasterShard(ctx context.Context, q base.QueueID, oldestPendingMs int64) error {
	var op errors.Op = "rdb.AddQueueToMasterShard"
	queueKey := base.QueueKey(q)
	shard := base.ShardForQueue(queueKey, r.shardCount)
	err := r.client.ZAdd(ctx, base.MasterShardKey(shard), redis.Z{
		Score:  float64(oldestPendingMs),
		Member: queueKey,
	}).Err()
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// RemoveQueueFromMasterShard removes a queue from its master shard.
func (r *RDB) RemoveQueueFromMasterShard(ctx context.Context, q base.QueueID) error {
	var op errors.Op = "rdb.RemoveQueueFromMasterShard"
	queueKey := base.QueueKey(q)
	shard := base.ShardForQueue(queueKey, r.shardCount)
	if err := r.client.ZRem(ctx, base.MasterShardKey(shard), queueKey).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	return nil
}

// ScanShard returns up to limit queues in the given master shard, ordered by
// ascending oldest-pending timestamp (strict oldest-first across queues
// within a shard).
func (r *RDB) ScanShard(ctx context.Context, shard, limit int) ([]base.QueueScore, error) {
	var op errors.Op = "rdb.ScanShard"
	if shard < 0 || shard >= r.shardCount {
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("shard %d out of range [0, %d)", shard, r.shardCount))
	}
	zs, err := r.client.ZRangeWithScores(ctx, base.MasterShardKey(shard), 0, int64(limit-1)).Result()
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

// MigrateLegacyMasterQueue moves every entry of the legacy flat master queue
// into the sharded master queue, batchSize entries at a time.
//
// Each step copies a batch into the per-shard sets before removing it from
// the legacy set, and ZADD overwrites with the same score, so an interrupted
// migration can simply be re-run: already moved entries are rewritten
// identically and nothing is lost. It returns the number of queues migrated.
func (r *RDB) MigrateLegacyMasterQueue(ctx context.Context, batchSize int) (int, error) {
	var op errors.Op = "rdb.MigrateLegacyMasterQueue"
	if batchSize < 1 {
		batchSize = 100
	}
	migrated := 0
	for {
		zs, err := r.client.ZRangeWithScores(ctx, base.LegacyMasterQueue, 0, int64(batchSize-1)).Result()
		if err != nil {
			return migrated, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
		}
		if len(zs) == 0 {
			return migrated, nil
		}
		pipe := r.client.TxPipeline()
		members := make([]interface{}, 0, len(zs))
		for _, z := range zs {
			queueKey, ok := z.Member.(string)
			if !ok {
				continue
			}
			shard := base.ShardForQueue(queueKey, r.shardCount)
			pipe.ZAdd(ctx, base.MasterShardKey(shard), redis.Z{Score: z.Score, Member: queueKey})
			members = append(members, queueKey)
		}
		pipe.ZRem(ctx, base.LegacyMasterQueue, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return migrated, errors.E(op, errors.Unknown, fmt.Sprintf("redis pipeline error: %v", err))
		}
		migrated += len(members)
		select {
		case <-ctx.Done():
			return migrated, errors.E(op, errors.Canceled, ctx.Err())
		default:
		}
	}
}
