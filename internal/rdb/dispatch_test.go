// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"testing"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantMessage(id, orgID, envID, queue string) *base.RunMessage {
	return &base.RunMessage{
		ID:             id,
		OrgID:          orgID,
		ProjectID:      "p1",
		EnvID:          envID,
		Queue:          queue,
		TaskIdentifier: "do-work",
		EnqueuedAtMs:   time.Now().UnixMilli(),
	}
}

func TestDequeueFairOldestTenantFirst(t *testing.T) {
	r, clock := setup(t, 1)
	ctx := context.Background()

	// Tenant B's run has been waiting longer than tenant A's.
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-b", "borg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-a", "aorg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-1 * time.Minute),
	}))

	msgs, err := r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-b", msgs[0].Message.ID, "longest-waiting tenant served first")

	msgs, err = r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-a", msgs[0].Message.ID)
}

func TestDequeueFairMultipleCount(t *testing.T) {
	r, _ := setup(t, 1)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-1", "aorg", "prod", "work"), base.EnqueueOptions{}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-2", "borg", "prod", "work"), base.EnqueueOptions{}))

	msgs, err := r.DequeueFair(ctx, 0, 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDequeueFairEmptyShard(t *testing.T) {
	r, _ := setup(t, 1)
	msgs, err := r.DequeueFair(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no work is a normal empty result")
}

func TestDequeueFairShardOutOfRange(t *testing.T) {
	r, _ := setup(t, 2)
	_, err := r.DequeueFair(context.Background(), 5, 1)
	require.Error(t, err)
}

func TestDequeueFairSkipsTenantWithoutHeadroom(t *testing.T) {
	r, clock := setup(t, 1)
	ctx := context.Background()

	// Tenant A is older but its environment is capped at 1 concurrent run.
	require.NoError(t, r.SetEnvConcurrencyLimit(ctx, "aorg", "prod", 1))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-a1", "aorg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-a2", "aorg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-b1", "borg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-1 * time.Minute),
	}))

	msgs, err := r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-a1", msgs[0].Message.ID)

	// Tenant A is at its limit; the scan must advance to tenant B instead of
	// returning empty-handed.
	msgs, err = r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-b1", msgs[0].Message.ID)
}

func TestDequeueFairInvisibleFutureWork(t *testing.T) {
	r, clock := setup(t, 1)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-1", "aorg", "prod", "work"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(time.Hour),
	}))

	msgs, err := r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs, "tenant with only future work is invisible to the scan")

	clock.AdvanceTime(time.Hour + time.Second)
	msgs, err = r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDequeueFairRoundRobinAcrossTenantQueues(t *testing.T) {
	r, clock := setup(t, 1)
	ctx := context.Background()

	// One tenant with two queues; the queue with the older head goes first.
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-old", "aorg", "prod", "reports"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-new", "aorg", "prod", "emails"), base.EnqueueOptions{
		AvailableAt: clock.Now().Add(-1 * time.Minute),
	}))

	msgs, err := r.DequeueFair(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-old", msgs[0].Message.ID)
}

func TestDequeueEnvOnlyThatEnvironment(t *testing.T) {
	r, _ := setup(t, 1)
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-prod", "acme", "prod", "work"), base.EnqueueOptions{}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-stage", "acme", "staging", "work"), base.EnqueueOptions{}))

	msgs, err := r.DequeueEnv(ctx, "acme", "prod", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-prod", msgs[0].Message.ID)

	// The other environment's run is untouched.
	msgs, err = r.DequeueEnv(ctx, "acme", "staging", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-stage", msgs[0].Message.ID)
}

func TestDequeueEnvRespectsConcurrencyLimit(t *testing.T) {
	r, _ := setup(t, 1)
	ctx := context.Background()

	require.NoError(t, r.SetEnvConcurrencyLimit(ctx, "acme", "prod", 1))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-1", "acme", "prod", "work"), base.EnqueueOptions{}))
	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-2", "acme", "prod", "work"), base.EnqueueOptions{}))

	msgs, err := r.DequeueEnv(ctx, "acme", "prod", 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "warm start obeys the same limits as the fair path")
}

func TestDequeueEnvUnknownTenant(t *testing.T) {
	r, _ := setup(t, 1)
	msgs, err := r.DequeueEnv(context.Background(), "nobody", "prod", 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTenantIndexMaintainedAcrossLifecycle(t *testing.T) {
	r, _ := setup(t, 1)
	ctx := context.Background()
	tenant := base.Tenant{OrgID: "acme", EnvID: "prod"}

	require.NoError(t, r.Enqueue(ctx, tenantMessage("run-1", "acme", "prod", "work"), base.EnqueueOptions{}))

	queues, err := r.QueuesForTenant(ctx, tenant, 10, r.nowMs())
	require.NoError(t, err)
	require.Len(t, queues, 1)

	msgs, err := r.DequeueEnv(ctx, "acme", "prod", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// The queue emptied out: it leaves the tenant index, and the tenant
	// leaves the dispatch shard.
	queues, err = r.QueuesForTenant(ctx, tenant, 10, r.nowMs())
	require.NoError(t, err)
	assert.Empty(t, queues)
	tenants, err := r.TenantsForShard(ctx, 0, 10, r.nowMs())
	require.NoError(t, err)
	assert.Empty(t, tenants)
}
