// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"fmt"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/redis/go-redis/v9"
)

// Run describes one task run to be enqueued.
type Run struct {
	// ID uniquely identifies the run. If empty, an ID is generated at
	// enqueue time. Duplicate IDs are rejected.
	ID string

	// OrgID, ProjectID, EnvID and Queue identify the queue the run is
	// enqueued to. The queue is created implicitly on first use.
	OrgID     string
	ProjectID string
	EnvID     string
	Queue     string

	// TaskIdentifier names the task this run executes.
	TaskIdentifier string

	// Payload holds opaque data handed to the worker.
	Payload []byte
}

// RunInfo describes an enqueued run and its placement.
type RunInfo struct {
	// ID of the enqueued run.
	ID string

	// QueueKey is the redis key of the queue holding the run.
	QueueKey string

	// Shard is the master-queue shard the queue is registered in.
	Shard int

	// AvailableAt is when the run becomes visible to dequeue.
	AvailableAt time.Time
}

type enqueueParams struct {
	availableAt       time.Time
	visibilityTimeout time.Duration
	concurrencyKey    string
}

// EnqueueOption configures the placement of a run in its queue.
type EnqueueOption func(*enqueueParams)

// AvailableAt delays visibility of the run until the given time.
func AvailableAt(t time.Time) EnqueueOption {
	return func(p *enqueueParams) { p.availableAt = t }
}

// ProcessIn delays visibility of the run by the given duration.
func ProcessIn(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.availableAt = time.Now().Add(d) }
}

// VisibilityTimeout sets the lease duration granted when the run is dequeued.
func VisibilityTimeout(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.visibilityTimeout = d }
}

// ConcurrencyKey scopes the run to an independently limited sub-queue of its
// named queue, e.g. one per end user.
func ConcurrencyKey(key string) EnqueueOption {
	return func(p *enqueueParams) { p.concurrencyKey = key }
}

// RedisConnOpt is a discriminated union of types that represent Redis
// connection configuration.
//
// RedisConnOpt represents a sum of following types:
//
//   - RedisClientOpt
//   - RedisFailoverClientOpt
//   - RedisClusterClientOpt
type RedisConnOpt interface {
	// MakeRedisClient returns a new redis client instance.
	// Return value is intentionally opaque to hide the implementation detail of redis client.
	MakeRedisClient() interface{}
}

// RedisClientOpt is used to create a redis client that connects
// to a redis server directly.
type RedisClientOpt struct {
	// Network type to use, either tcp or unix.
	// Default is tcp.
	Network string

	// Redis server address in "host:port" format.
	Addr string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Redis DB to select after connecting to a server.
	DB int

	// Maximum number of socket connections.
	PoolSize int
}

func (opt RedisClientOpt) MakeRedisClient() interface{} {
	return redis.NewClient(&redis.Options{
		Network:  opt.Network,
		Addr:     opt.Addr,
		Username: opt.Username,
		Password: opt.Password,
		DB:       opt.DB,
		PoolSize: opt.PoolSize,
	})
}

// RedisFailoverClientOpt is used to creates a redis client that talks
// to redis sentinels for service discovery and has an automatic failover
// capability.
type RedisFailoverClientOpt struct {
	// Redis master name that monitored by sentinels.
	MasterName string

	// Addresses of sentinels in "host:port" format.
	SentinelAddrs []string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Redis DB to select after connecting to a server.
	DB int
}

func (opt RedisFailoverClientOpt) MakeRedisClient() interface{} {
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    opt.MasterName,
		SentinelAddrs: opt.SentinelAddrs,
		Username:      opt.Username,
		Password:      opt.Password,
		DB:            opt.DB,
	})
}

// RedisClusterClientOpt is used to creates a redis client that connects to
// redis cluster.
type RedisClusterClientOpt struct {
	// Addresses of cluster nodes in "host:port" format.
	Addrs []string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string
}

func (opt RedisClusterClientOpt) MakeRedisClient() interface{} {
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    opt.Addrs,
		Username: opt.Username,
		Password: opt.Password,
	})
}

func makeUniversalClient(r RedisConnOpt) redis.UniversalClient {
	c, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("fairrun: unsupported RedisConnOpt type %T", r))
	}
	return c
}

// QueueID identifies one logical queue. It is re-exported from the internal
// base package for callers that manage concurrency limits.
type QueueID = base.QueueID
