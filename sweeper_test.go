// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/log"
	"github.com/fairrun/fairrun/internal/rdb"
	"github.com/fairrun/fairrun/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBroker returns an RDB over a fresh miniredis with a simulated clock.
func newTestBroker(t *testing.T) (*rdb.RDB, *timeutil.SimulatedClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := rdb.NewRDB(client, 1)
	clock := timeutil.NewSimulatedClock(time.Now().Truncate(time.Millisecond))
	broker.SetClock(clock)
	return broker, clock
}

func leaseTestRun(t *testing.T, broker *rdb.RDB, id string) base.QueueID {
	t.Helper()
	ctx := context.Background()
	msg := &base.RunMessage{
		ID:             id,
		OrgID:          "acme",
		ProjectID:      "p1",
		EnvID:          "prod",
		Queue:          "work",
		TaskIdentifier: "do-work",
		EnqueuedAtMs:   time.Now().UnixMilli(),
	}
	require.NoError(t, broker.Enqueue(ctx, msg, base.EnqueueOptions{}))
	msgs, err := broker.DequeueEnv(ctx, "acme", "prod", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].Message.ID)
	return msg.QueueID()
}

func TestSweeperReleasesOnlyConfirmedRuns(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	q := leaseTestRun(t, broker, "run-1")
	leaseTestRun(t, broker, "run-2")

	var oracleSaw []string
	s := newSweeper(sweeperParams{
		logger: log.NewLogger(nil),
		broker: broker,
		oracle: func(ctx context.Context, runIDs []string) ([]string, error) {
			oracleSaw = append(oracleSaw, runIDs...)
			// Only run-1 is confirmed complete; run-2 is still executing.
			for _, id := range runIDs {
				if id == "run-1" {
					return []string{"run-1"}, nil
				}
			}
			return nil, nil
		},
		scanInterval:          time.Minute,
		processMarkedInterval: time.Second,
		batchSize:             100,
	})

	s.scan()
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, oracleSaw)

	// Detection only marks; nothing is released until the process pass.
	n, err := broker.CurrentConcurrency(ctx, base.QueueConcurrencyKey(q))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.processMarked()

	ids, err := broker.LeasedRunIDs(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2"}, ids, "unconfirmed run keeps its slot")
	n, err = broker.CurrentConcurrency(ctx, base.EnvConcurrencyKey("acme", "prod"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeperOracleError(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	q := leaseTestRun(t, broker, "run-1")

	s := newSweeper(sweeperParams{
		logger: log.NewLogger(nil),
		broker: broker,
		oracle: func(ctx context.Context, runIDs []string) ([]string, error) {
			return nil, context.DeadlineExceeded
		},
		scanInterval:          time.Minute,
		processMarkedInterval: time.Second,
		batchSize:             100,
	})

	// An oracle failure must not release anything.
	s.scan()
	s.processMarked()

	n, err := broker.CurrentConcurrency(ctx, base.QueueConcurrencyKey(q))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeperIgnoresEmptyQueues(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	// Pending but unleased work: the concurrency set is empty, so the
	// oracle is never consulted.
	msg := &base.RunMessage{
		ID: "run-1", OrgID: "acme", ProjectID: "p1", EnvID: "prod",
		Queue: "work", TaskIdentifier: "do-work",
	}
	require.NoError(t, broker.Enqueue(ctx, msg, base.EnqueueOptions{}))

	called := false
	s := newSweeper(sweeperParams{
		logger: log.NewLogger(nil),
		broker: broker,
		oracle: func(ctx context.Context, runIDs []string) ([]string, error) {
			called = true
			return runIDs, nil
		},
		scanInterval:          time.Minute,
		processMarkedInterval: time.Second,
		batchSize:             100,
	})
	s.scan()
	assert.False(t, called)
}

func TestSweeperMarksPersistAcrossRestart(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	q := leaseTestRun(t, broker, "run-1")

	first := newSweeper(sweeperParams{
		logger: log.NewLogger(nil),
		broker: broker,
		oracle: func(ctx context.Context, runIDs []string) ([]string, error) {
			return runIDs, nil
		},
		scanInterval:          time.Minute,
		processMarkedInterval: time.Second,
		batchSize:             100,
	})
	first.scan()

	// A different sweeper instance (a restarted scheduler) picks up the
	// marks from redis and completes the correction.
	second := newSweeper(sweeperParams{
		logger:                log.NewLogger(nil),
		broker:                broker,
		oracle:                nil,
		scanInterval:          time.Minute,
		processMarkedInterval: time.Second,
		batchSize:             100,
	})
	second.processMarked()

	n, err := broker.CurrentConcurrency(ctx, base.QueueConcurrencyKey(q))
	require.NoError(t, err)
	assert.Zero(t, n)
}
