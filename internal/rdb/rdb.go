// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/fairrun/fairrun/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// DefaultVisibilityTimeout is the lease duration granted on dequeue when the
// message was enqueued without an explicit visibility timeout.
const DefaultVisibilityTimeout = 30 * time.Second

// DefaultConcurrencyLimit applies to environments with no stored limit.
// A queue with no stored limit inherits its environment's limit.
const DefaultConcurrencyLimit = 100

// RDB is a client interface to query and mutate the fair run queue.
type RDB struct {
	client     redis.UniversalClient
	clock      timeutil.Clock
	shardCount int
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient, shardCount int) *RDB {
	if shardCount < 1 {
		shardCount = base.DefaultShardCount
	}
	return &RDB{
		client:     client,
		clock:      timeutil.NewRealClock(),
		shardCount: shardCount,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// ShardCount returns the number of master-queue shards this broker addresses.
func (r *RDB) ShardCount() int {
	return r.shardCount
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil && err != redis.Nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// nowMs returns the broker clock's current time in Unix milliseconds.
func (r *RDB) nowMs() int64 {
	return r.clock.Now().UnixMilli()
}

// WriteSupervisorState writes supervisor state data to redis with expiration
// set to the value ttl.
func (r *RDB) WriteSupervisorState(ctx context.Context, infos []*base.SupervisorInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteSupervisorState"
	pipe := r.client.Pipeline()
	exp := r.clock.Now().Add(ttl).UTC()
	for _, info := range infos {
		bytes, err := base.EncodeSupervisorInfo(info)
		if err != nil {
			return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode supervisor info: %v", err))
		}
		key := base.SupervisorInfoKey(info.WorkerGroup, info.InstanceID)
		pipe.Set(ctx, key, bytes, ttl)
		pipe.ZAdd(ctx, base.AllSupervisors, redis.Z{
			Score:  float64(info.LastHeartbeat.UnixMilli()),
			Member: key,
		})
	}
	pipe.ZRemRangeByScore(ctx, base.AllSupervisors, "-inf", fmt.Sprintf("%d", exp.Add(-2*ttl).UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis pipeline error: %v", err))
	}
	return nil
}

// ClearSupervisorState removes the supervisor state from redis.
func (r *RDB) ClearSupervisorState(ctx context.Context, workerGroup, instanceID string) error {
	var op errors.Op = "rdb.ClearSupervisorState"
	key := base.SupervisorInfoKey(workerGroup, instanceID)
	pipe := r.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, base.AllSupervisors, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis pipeline error: %v", err))
	}
	return nil
}

// ListSupervisors returns the currently registered supervisors.
func (r *RDB) ListSupervisors(ctx context.Context) ([]*base.SupervisorInfo, error) {
	var op errors.Op = "rdb.ListSupervisors"
	keys, err := r.client.ZRange(ctx, base.AllSupervisors, 0, -1).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
	}
	var out []*base.SupervisorInfo
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between ZRANGE and GET
		}
		if err != nil {
			return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: %v", err))
		}
		info, err := base.DecodeSupervisorInfo([]byte(data))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
