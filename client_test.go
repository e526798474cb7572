// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, redis.UniversalClient) {
	t.Helper()
	srv := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewClientFromRedisClient(rc, 2), rc
}

func TestClientEnqueue(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	info, err := client.Enqueue(ctx, &Run{
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		TaskIdentifier: "send-email",
		Payload:        []byte(`{"user_id":42}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID, "an ID is generated when none is given")
	assert.Equal(t, "{org:acme}:proj:p1:env:prod:queue:emails", info.QueueKey)
	assert.Equal(t, base.ShardForQueue(info.QueueKey, 2), info.Shard)
	assert.WithinDuration(t, time.Now(), info.AvailableAt, time.Second)
}

func TestClientEnqueueExplicitID(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	info, err := client.Enqueue(ctx, &Run{
		ID:             "run-1",
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		TaskIdentifier: "send-email",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", info.ID)

	_, err = client.Enqueue(ctx, &Run{
		ID:             "run-1",
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		TaskIdentifier: "send-email",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateMessage))
}

func TestClientEnqueueOptions(t *testing.T) {
	client, rc := newTestClient(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	info, err := client.Enqueue(ctx, &Run{
		ID:             "run-1",
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "emails",
		TaskIdentifier: "send-email",
	}, AvailableAt(at), ConcurrencyKey("user-42"), VisibilityTimeout(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), info.AvailableAt.UnixMilli())
	assert.Contains(t, info.QueueKey, ":ck:user-42")

	score, err := rc.ZScore(ctx, info.QueueKey, "run-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, at.UnixMilli(), int64(score))
}

func TestClientEnqueueNilRun(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Enqueue(context.Background(), nil)
	require.Error(t, err)
}

func TestClientSetConcurrencyLimits(t *testing.T) {
	client, rc := newTestClient(t)
	ctx := context.Background()
	q := QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"}

	require.NoError(t, client.SetQueueConcurrencyLimit(ctx, q, 10))
	require.NoError(t, client.SetEnvConcurrencyLimit(ctx, "acme", "prod", 50))

	val, err := rc.Get(ctx, base.QueueConcurrencyLimitKey(q)).Result()
	require.NoError(t, err)
	assert.Equal(t, "10", val)
	val, err = rc.Get(ctx, base.EnvConcurrencyLimitKey("acme", "prod")).Result()
	require.NoError(t, err)
	assert.Equal(t, "50", val)

	require.Error(t, client.SetQueueConcurrencyLimit(ctx, q, 0))
}

func TestClientMigrateLegacyMasterQueue(t *testing.T) {
	client, rc := newTestClient(t)
	ctx := context.Background()

	queueKey := base.QueueKey(base.QueueID{OrgID: "acme", ProjectID: "p1", EnvID: "prod", Name: "emails"})
	require.NoError(t, rc.ZAdd(ctx, base.LegacyMasterQueue, redis.Z{Score: 1000, Member: queueKey}).Err())

	migrated, err := client.MigrateLegacyMasterQueue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	shard := base.ShardForQueue(queueKey, 2)
	score, err := rc.ZScore(ctx, base.MasterShardKey(shard), queueKey).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(1000), score)
}

func TestClientCloseSharedConnection(t *testing.T) {
	client, _ := newTestClient(t)
	require.Error(t, client.Close(), "a shared connection is not closable through the client")
}
