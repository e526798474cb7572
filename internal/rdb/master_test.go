// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveQueueMasterShard(t *testing.T) {
	r, _ := setup(t, 2)
	ctx := context.Background()
	q := testQueue("emails")
	shard := base.ShardForQueue(base.QueueKey(q), 2)

	require.NoError(t, r.AddQueueToMasterShard(ctx, q, 1000))

	scores, err := r.ScanShard(ctx, shard, 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, base.QueueKey(q), scores[0].QueueKey)
	assert.EqualValues(t, 1000, scores[0].Score)

	// The other shard stays empty.
	other, err := r.ScanShard(ctx, 1-shard, 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, r.RemoveQueueFromMasterShard(ctx, q))
	scores, err = r.ScanShard(ctx, shard, 10)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestScanShardOrdersByOldest(t *testing.T) {
	r, _ := setup(t, 1)
	ctx := context.Background()

	qa := testQueue("alpha")
	qb := testQueue("beta")
	require.NoError(t, r.AddQueueToMasterShard(ctx, qa, 2000))
	require.NoError(t, r.AddQueueToMasterShard(ctx, qb, 1000))

	scores, err := r.ScanShard(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, base.QueueKey(qb), scores[0].QueueKey, "oldest queue first")
	assert.Equal(t, base.QueueKey(qa), scores[1].QueueKey)
}

func TestScanShardOutOfRange(t *testing.T) {
	r, _ := setup(t, 2)
	_, err := r.ScanShard(context.Background(), 2, 10)
	require.Error(t, err)
	_, err = r.ScanShard(context.Background(), -1, 10)
	require.Error(t, err)
}

func TestMigrateLegacyMasterQueue(t *testing.T) {
	const shardCount = 2
	r, _ := setup(t, shardCount)
	ctx := context.Background()

	// Seed a pre-sharding flat master queue.
	want := make(map[string]float64)
	for i := 0; i < 8; i++ {
		queueKey := base.QueueKey(testQueue(fmt.Sprintf("q%d", i)))
		score := float64(1000 + i)
		want[queueKey] = score
		require.NoError(t, r.client.ZAdd(ctx, base.LegacyMasterQueue, redis.Z{
			Score:  score,
			Member: queueKey,
		}).Err())
	}

	migrated, err := r.MigrateLegacyMasterQueue(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, migrated)

	// The legacy set is fully drained.
	n, err := r.client.ZCard(ctx, base.LegacyMasterQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	// Every queue landed in its hash-assigned shard with its score intact.
	for queueKey, score := range want {
		shard := base.ShardForQueue(queueKey, shardCount)
		got, err := r.client.ZScore(ctx, base.MasterShardKey(shard), queueKey).Result()
		require.NoError(t, err, "queue %s missing from shard %d", queueKey, shard)
		assert.Equal(t, score, got)
	}
}

func TestMigrateLegacyMasterQueueResumable(t *testing.T) {
	const shardCount = 2
	r, _ := setup(t, shardCount)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		queueKey := base.QueueKey(testQueue(fmt.Sprintf("q%d", i)))
		require.NoError(t, r.client.ZAdd(ctx, base.LegacyMasterQueue, redis.Z{
			Score:  float64(1000 + i),
			Member: queueKey,
		}).Err())
	}

	// Simulate an interrupted run that already copied one entry but did not
	// get to remove it from the legacy set.
	dup := base.QueueKey(testQueue("q0"))
	shard := base.ShardForQueue(dup, shardCount)
	require.NoError(t, r.client.ZAdd(ctx, base.MasterShardKey(shard), redis.Z{
		Score:  1000,
		Member: dup,
	}).Err())

	migrated, err := r.MigrateLegacyMasterQueue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, migrated)

	got, err := r.client.ZScore(ctx, base.MasterShardKey(shard), dup).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(1000), got, "rewritten entry keeps the same score")

	n, err := r.client.ZCard(ctx, base.LegacyMasterQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrateLegacyMasterQueueEmpty(t *testing.T) {
	r, _ := setup(t, 2)
	migrated, err := r.MigrateLegacyMasterQueue(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, migrated)
}
