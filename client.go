// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"fmt"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/fairrun/fairrun/internal/rdb"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// A Client is responsible for enqueuing runs into the fair run queue.
//
// Enqueuing a run implicitly creates its queue and registers the queue in the
// sharded master queue and the tenant dispatch index.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	broker *rdb.RDB
	// When a Client has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewClient returns a new Client instance given a redis connection option.
func NewClient(r RedisConnOpt, shardCount int) *Client {
	c := NewClientFromRedisClient(makeUniversalClient(r), shardCount)
	c.sharedConnection = false
	return c
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by fairrun, you are responsible for closing it.
func NewClientFromRedisClient(c redis.UniversalClient, shardCount int) *Client {
	return &Client{broker: rdb.NewRDB(c, shardCount), sharedConnection: true}
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("redis connection is shared so the Client can't be closed through fairrun")
	}
	return c.broker.Close()
}

// Enqueue enqueues the given run to its queue.
//
// Enqueue returns a RunInfo describing the enqueued run, or a non-nil error
// if the run could not be enqueued. A run whose ID already exists in the
// queue is rejected with errors.ErrDuplicateMessage in the error chain.
//
// By default the run is available for dequeue immediately; use AvailableAt or
// ProcessIn to schedule it for the future.
func (c *Client) Enqueue(ctx context.Context, run *Run, opts ...EnqueueOption) (*RunInfo, error) {
	if run == nil {
		return nil, errors.E(errors.Op("client.Enqueue"), errors.FailedPrecondition, "run cannot be nil")
	}
	var params enqueueParams
	for _, opt := range opts {
		opt(&params)
	}
	now := time.Now()
	id := run.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	msg := &base.RunMessage{
		ID:             id,
		OrgID:          run.OrgID,
		ProjectID:      run.ProjectID,
		EnvID:          run.EnvID,
		Queue:          run.Queue,
		ConcurrencyKey: params.concurrencyKey,
		TaskIdentifier: run.TaskIdentifier,
		EnqueuedAtMs:   now.UnixMilli(),
		Payload:        run.Payload,
	}
	availableAt := params.availableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	err := c.broker.Enqueue(ctx, msg, base.EnqueueOptions{
		AvailableAt:       availableAt,
		VisibilityTimeout: params.visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	queueKey := base.QueueKey(msg.QueueID())
	return &RunInfo{
		ID:          id,
		QueueKey:    queueKey,
		Shard:       base.ShardForQueue(queueKey, c.broker.ShardCount()),
		AvailableAt: availableAt,
	}, nil
}

// SetQueueConcurrencyLimit updates the concurrency limit of the given queue.
// Limits may be updated independently of the queue's message contents.
func (c *Client) SetQueueConcurrencyLimit(ctx context.Context, q QueueID, limit int) error {
	return c.broker.SetQueueConcurrencyLimit(ctx, q, limit)
}

// SetEnvConcurrencyLimit updates the concurrency limit of the given
// environment. Queues without their own limit inherit it.
func (c *Client) SetEnvConcurrencyLimit(ctx context.Context, orgID, envID string, limit int) error {
	return c.broker.SetEnvConcurrencyLimit(ctx, orgID, envID, limit)
}

// MigrateLegacyMasterQueue migrates a pre-sharding flat master queue into the
// sharded master queue. It is resumable: re-running after an interruption
// picks up where the previous run stopped without losing entries.
func (c *Client) MigrateLegacyMasterQueue(ctx context.Context, batchSize int) (int, error) {
	return c.broker.MigrateLegacyMasterQueue(ctx, batchSize)
}
