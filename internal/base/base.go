// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in fairrun package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/fairrun/fairrun/internal/timeutil"
)

// Version of fairrun library.
const Version = "0.1.0"

// DefaultShardCount is the number of master-queue shards used if none is
// specified by the deployment. Changing the shard count is a data-migration
// step, not a code change.
const DefaultShardCount = 4

// Global Redis keys.
const (
	AllQueues         = "fq:queues"         // SET of queue keys
	AllSupervisors    = "fq:supervisors"    // ZSET of supervisor keys, scored by last heartbeat
	LegacyMasterQueue = "fq:master"         // ZSET; pre-sharding flat master queue
	SweeperMarkedKey  = "fq:sweeper:marked" // SET of queueKey|runID members confirmed complete
	BatchMasterKey    = "batch:master"      // ZSET; global batch master queue
	BatchDeficitKey   = "batch:deficit"     // HASH; per-env fairness deficit
)

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return ValidateIdentifier(qname)
}

// ValidateIdentifier validates an org/project/env/queue identifier.
// Identifiers become Redis key segments, so the characters used as key
// delimiters are rejected.
func ValidateIdentifier(id string) error {
	if strings.ContainsAny(id, ":{}| \t\n") {
		return fmt.Errorf("identifier %q contains a reserved character", id)
	}
	return nil
}

// QueueID identifies one logical queue.
//
// A queue belongs to an environment within a project within an organization.
// ConcurrencyKey optionally splits a named queue into independently limited
// sub-queues (e.g. one per end user).
type QueueID struct {
	OrgID          string
	ProjectID      string
	EnvID          string
	Name           string
	ConcurrencyKey string
}

// Validate reports whether all identifier segments are usable as key segments.
func (q QueueID) Validate() error {
	for _, id := range []string{q.OrgID, q.ProjectID, q.EnvID} {
		if len(strings.TrimSpace(id)) == 0 {
			return fmt.Errorf("queue identifier segment must not be empty")
		}
		if err := ValidateIdentifier(id); err != nil {
			return err
		}
	}
	if err := ValidateQueueName(q.Name); err != nil {
		return err
	}
	if q.ConcurrencyKey != "" {
		if err := ValidateIdentifier(q.ConcurrencyKey); err != nil {
			return err
		}
	}
	return nil
}

// Tenant returns the tenant this queue is scheduled under.
func (q QueueID) Tenant() Tenant {
	return Tenant{OrgID: q.OrgID, EnvID: q.EnvID}
}

// Tenant is the unit of scheduling fairness: an organization's environment.
type Tenant struct {
	OrgID string
	EnvID string
}

// String returns the canonical member form used in the dispatch index.
func (t Tenant) String() string {
	return "org:" + t.OrgID + ":env:" + t.EnvID
}

// ParseTenant re-extracts a Tenant from its canonical member form.
func ParseTenant(s string) (Tenant, error) {
	var op errors.Op = "base.ParseTenant"
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "org" || parts[2] != "env" {
		return Tenant{}, errors.E(op, errors.FailedPrecondition,
			&errors.MalformedKeyError{Input: s, Reason: "want org:<id>:env:<id>"})
	}
	return Tenant{OrgID: parts[1], EnvID: parts[3]}, nil
}

// OrgKeyPrefix returns a prefix for all keys of the given organization.
// The braces form a Redis hash tag so multi-key operations on one org's
// queues are co-located on a single cluster node.
func OrgKeyPrefix(orgID string) string {
	return "{org:" + orgID + "}:"
}

// QueueKey returns the redis key of the queue's pending sorted set.
// All other per-queue keys derive from it.
func QueueKey(q QueueID) string {
	k := OrgKeyPrefix(q.OrgID) + "proj:" + q.ProjectID + ":env:" + q.EnvID + ":queue:" + q.Name
	if q.ConcurrencyKey != "" {
		k += ":ck:" + q.ConcurrencyKey
	}
	return k
}

// ParseQueueKey re-extracts the QueueID from a key produced by QueueKey.
// It returns a structured error, never a partially filled QueueID, when the
// input does not have the expected shape.
func ParseQueueKey(key string) (QueueID, error) {
	var op errors.Op = "base.ParseQueueKey"
	malformed := func(reason string) (QueueID, error) {
		return QueueID{}, errors.E(op, errors.FailedPrecondition,
			&errors.MalformedKeyError{Input: key, Reason: reason})
	}
	if !strings.HasPrefix(key, "{org:") {
		return malformed("missing {org:...} hash tag")
	}
	end := strings.Index(key, "}")
	if end < 0 {
		return malformed("unterminated hash tag")
	}
	q := QueueID{OrgID: key[len("{org:"):end]}
	rest := strings.TrimPrefix(key[end+1:], ":")
	parts := strings.Split(rest, ":")
	if len(parts) != 6 && len(parts) != 8 {
		return malformed("want proj:<id>:env:<id>:queue:<name>[:ck:<key>]")
	}
	if parts[0] != "proj" || parts[2] != "env" || parts[4] != "queue" {
		return malformed("want proj:<id>:env:<id>:queue:<name>[:ck:<key>]")
	}
	q.ProjectID, q.EnvID, q.Name = parts[1], parts[3], parts[5]
	if len(parts) == 8 {
		if parts[6] != "ck" {
			return malformed("want proj:<id>:env:<id>:queue:<name>[:ck:<key>]")
		}
		q.ConcurrencyKey = parts[7]
	}
	if err := q.Validate(); err != nil {
		return malformed(err.Error())
	}
	return q, nil
}

// PendingKey returns the redis key of the queue's pending sorted set
// (scored by availability time).
func PendingKey(q QueueID) string {
	return QueueKey(q)
}

// InFlightKey returns the redis key of the queue's in-flight sorted set
// (scored by lease expiration time).
func InFlightKey(q QueueID) string {
	return QueueKey(q) + ":inflight"
}

// MessageKeyPrefix returns the prefix of the queue's message hashes.
func MessageKeyPrefix(q QueueID) string {
	return QueueKey(q) + ":m:"
}

// MessageKey returns the redis key of the hash holding one message.
func MessageKey(q QueueID, id string) string {
	return MessageKeyPrefix(q) + id
}

// QueueConcurrencyKey returns the redis key of the queue's set of currently
// leased run IDs.
func QueueConcurrencyKey(q QueueID) string {
	return QueueKey(q) + ":currentConcurrency"
}

// QueueConcurrencyLimitKey returns the redis key holding the queue's
// concurrency limit.
func QueueConcurrencyLimitKey(q QueueID) string {
	return QueueKey(q) + ":concurrencyLimit"
}

// EnvConcurrencyKey returns the redis key of the environment's set of
// currently leased run IDs.
func EnvConcurrencyKey(orgID, envID string) string {
	return OrgKeyPrefix(orgID) + "env:" + envID + ":currentConcurrency"
}

// EnvConcurrencyLimitKey returns the redis key holding the environment's
// concurrency limit.
func EnvConcurrencyLimitKey(orgID, envID string) string {
	return OrgKeyPrefix(orgID) + "env:" + envID + ":concurrencyLimit"
}

// MasterShardKey returns the redis key of one master-queue shard: the sorted
// set of queue keys scored by their oldest pending timestamp.
func MasterShardKey(shard int) string {
	return fmt.Sprintf("fq:master:{%d}", shard)
}

// DispatchShardKey returns the redis key of one dispatch-index shard: the
// sorted set of tenants scored by their oldest pending timestamp.
func DispatchShardKey(shard int) string {
	return fmt.Sprintf("fq:dispatch:{%d}", shard)
}

// TenantQueuesKey returns the redis key of the tenant's queue index: the
// sorted set of the tenant's queue keys scored by oldest pending timestamp.
func TenantQueuesKey(t Tenant) string {
	return "fq:tenantq:{" + t.String() + "}"
}

// ShardForQueue deterministically assigns a queue key to a shard in
// [0, shardCount) using a jump consistent hash, so that growing or shrinking
// the shard count remaps only ~1/shardCount of queues.
func ShardForQueue(queueKey string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return jumpHash(xxhash.Sum64String(queueKey), shardCount)
}

// jumpHash implements the jump consistent hash by Lamping and Veach
// ("A Fast, Minimal Memory, Consistent Hash Algorithm").
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(1<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// MasterQueueMember formats a batch master-queue member as "<envID>:<batchID>".
func MasterQueueMember(envID, batchID string) string {
	return envID + ":" + batchID
}

// ParseMasterQueueMember splits a batch master-queue member into its
// environment ID and batch ID. Only the first colon is a split boundary;
// batch IDs may themselves contain colons.
func ParseMasterQueueMember(member string) (envID, batchID string, err error) {
	var op errors.Op = "base.ParseMasterQueueMember"
	i := strings.Index(member, ":")
	if i <= 0 || i == len(member)-1 {
		return "", "", errors.E(op, errors.FailedPrecondition,
			&errors.MalformedKeyError{Input: member, Reason: "want <envID>:<batchID>"})
	}
	return member[:i], member[i+1:], nil
}

// BatchQueueKey returns the redis key of a batch's item queue.
func BatchQueueKey(batchID string) string { return "batch:{" + batchID + "}:queue" }

// BatchItemsKey returns the redis key of a batch's item payload hash.
func BatchItemsKey(batchID string) string { return "batch:{" + batchID + "}:items" }

// BatchMetaKey returns the redis key of a batch's metadata hash.
func BatchMetaKey(batchID string) string { return "batch:{" + batchID + "}:meta" }

// BatchRunsKey returns the redis key of a batch's created-run set.
func BatchRunsKey(batchID string) string { return "batch:{" + batchID + "}:runs" }

// BatchFailuresKey returns the redis key of a batch's failure list.
func BatchFailuresKey(batchID string) string { return "batch:{" + batchID + "}:failures" }

// SupervisorInfoKey returns the redis key of one supervisor's state hash.
func SupervisorInfoKey(workerGroup, instanceID string) string {
	return fmt.Sprintf("fq:supervisors:{%s:%s}", workerGroup, instanceID)
}

// SweeperMarkedMember formats a marked-for-removal ledger entry.
// Queue keys never contain '|' (see ValidateIdentifier), so the last '|'
// unambiguously separates key and run ID.
func SweeperMarkedMember(queueKey, runID string) string {
	return queueKey + "|" + runID
}

// ParseSweeperMarkedMember splits a marked-for-removal member back into its
// queue key and run ID.
func ParseSweeperMarkedMember(member string) (queueKey, runID string, err error) {
	var op errors.Op = "base.ParseSweeperMarkedMember"
	i := strings.LastIndex(member, "|")
	if i <= 0 || i == len(member)-1 {
		return "", "", errors.E(op, errors.FailedPrecondition,
			&errors.MalformedKeyError{Input: member, Reason: "want <queueKey>|<runID>"})
	}
	return member[:i], member[i+1:], nil
}

// RunMessage is the internal representation of one queued task run.
// Serialized data of this type gets written to redis.
type RunMessage struct {
	// ID is a unique identifier for the run. Duplicate IDs are rejected at
	// enqueue time.
	ID string `json:"id"`

	// OrgID, ProjectID, EnvID and Queue identify the queue this run belongs to.
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
	EnvID     string `json:"env_id"`
	Queue     string `json:"queue"`

	// ConcurrencyKey optionally scopes the run to a limited sub-queue.
	ConcurrencyKey string `json:"concurrency_key,omitempty"`

	// TaskIdentifier names the task this run executes.
	TaskIdentifier string `json:"task_identifier"`

	// EnqueuedAtMs is the enqueue time in Unix milliseconds.
	EnqueuedAtMs int64 `json:"enqueued_at_ms"`

	// Attempt is the number of delivery attempts so far, including the
	// current one. Incremented each time the run is dequeued, so a
	// redelivered run carries a higher attempt count.
	Attempt int `json:"attempt"`

	// Payload holds opaque data needed to execute the run.
	Payload []byte `json:"payload,omitempty"`
}

// QueueID returns the identifier of the queue owning this message.
func (m *RunMessage) QueueID() QueueID {
	return QueueID{
		OrgID:          m.OrgID,
		ProjectID:      m.ProjectID,
		EnvID:          m.EnvID,
		Name:           m.Queue,
		ConcurrencyKey: m.ConcurrencyKey,
	}
}

// EncodeMessage marshals the given run message and returns an encoded bytes.
func EncodeMessage(msg *RunMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded run message.
func DecodeMessage(data []byte) (*RunMessage, error) {
	var msg RunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// LeasedMessage is a run handed to a worker together with its lease.
type LeasedMessage struct {
	Message *RunMessage

	// VisibilityTimeout is the lease duration the message was enqueued with.
	VisibilityTimeout time.Duration

	// LeaseExpiresAt is when the lease lapses and the run becomes
	// redeliverable if not acked or extended.
	LeaseExpiresAt time.Time
}

// EnqueueOptions control placement of a message in its queue.
type EnqueueOptions struct {
	// AvailableAt delays visibility of the message until the given time.
	// Zero means available immediately.
	AvailableAt time.Time

	// VisibilityTimeout is the lease duration granted on dequeue.
	// Zero means the broker default.
	VisibilityTimeout time.Duration
}

// SupervisorInfo holds information about a running worker supervisor.
type SupervisorInfo struct {
	WorkerGroup   string    `json:"worker_group"`
	InstanceID    string    `json:"instance_id"`
	Host          string    `json:"host"`
	PID           int       `json:"pid"`
	Deployment    string    `json:"deployment"`
	Version       string    `json:"version"`
	Machine       string    `json:"machine"`
	CPU           float64   `json:"cpu"`
	Memory        float64   `json:"memory"`
	RunningTasks  int       `json:"running_tasks"`
	Started       time.Time `json:"started"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// EncodeSupervisorInfo marshals the given SupervisorInfo and returns the encoded bytes.
func EncodeSupervisorInfo(info *SupervisorInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil supervisor info")
	}
	return json.Marshal(info)
}

// DecodeSupervisorInfo decodes the given bytes into SupervisorInfo.
func DecodeSupervisorInfo(b []byte) (*SupervisorInfo, error) {
	var info SupervisorInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Cancelations is a collection that holds cancel functions for all in-progress
// run attempts.
//
// Cancelations are safe for concurrent use by multiple goroutines.
type Cancelations struct {
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewCancelations returns a Cancelations instance.
func NewCancelations() *Cancelations {
	return &Cancelations{
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Add adds a new cancel func to the collection.
func (c *Cancelations) Add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[id] = fn
}

// Delete deletes a cancel func from the collection given an id.
func (c *Cancelations) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, id)
}

// Get returns a cancel func given an id.
func (c *Cancelations) Get(id string) (fn context.CancelFunc, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok = c.cancelFuncs[id]
	return fn, ok
}

// Lease is a time bound lease for a worker to execute a run attempt.
// It provides a communication channel between lessor and lessee about lease expiration.
type Lease struct {
	once sync.Once
	ch   chan struct{}

	Clock timeutil.Clock

	mu       sync.Mutex
	expireAt time.Time // guarded by mu
}

func NewLease(expirationTime time.Time) *Lease {
	return &Lease{
		ch:       make(chan struct{}),
		expireAt: expirationTime,
		Clock:    timeutil.NewRealClock(),
	}
}

// Reset changes the lease to expire at the given time.
// It returns true if the lease is still valid and reset operation was successful, false if the lease had been expired.
func (l *Lease) Reset(expirationTime time.Time) bool {
	if !l.IsValid() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireAt = expirationTime
	return true
}

// NotifyExpiration sends a notification to lessee about expired lease
// Returns true if notification was sent, returns false if the lease is still valid and notification was not sent.
func (l *Lease) NotifyExpiration() bool {
	if l.IsValid() {
		return false
	}
	l.once.Do(l.closeCh)
	return true
}

func (l *Lease) closeCh() {
	close(l.ch)
}

// Done returns a communication channel from which the lessee can read to get notified when lessor notifies about lease expiration.
func (l *Lease) Done() <-chan struct{} {
	return l.ch
}

// Deadline returns the expiration time of the lease.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt
}

// IsValid returns true if the lease's expiration time is in the future or equals to the current time,
// returns false otherwise.
func (l *Lease) IsValid() bool {
	now := l.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt.After(now) || l.expireAt.Equal(now)
}

// QueueScore pairs a queue key with its oldest pending timestamp.
type QueueScore struct {
	QueueKey string
	Score    int64 // Unix milliseconds
}

// TenantScore pairs a tenant with its oldest pending timestamp.
type TenantScore struct {
	Tenant Tenant
	Score  int64 // Unix milliseconds
}

// Broker is a message broker that supports operations to manage the fair run
// queue.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error

	// Lease queue operations.
	Enqueue(ctx context.Context, msg *RunMessage, opts EnqueueOptions) error
	DequeueFair(ctx context.Context, shard, count int) ([]*LeasedMessage, error)
	DequeueEnv(ctx context.Context, orgID, envID string, count int) ([]*LeasedMessage, error)
	Ack(ctx context.Context, q QueueID, id string) error
	ExtendLease(ctx context.Context, q QueueID, ids ...string) (time.Time, error)
	PendingCount(ctx context.Context, q QueueID, includeFuture bool) (int64, error)

	// Concurrency ledger operations.
	Reserve(ctx context.Context, q QueueID, runID string) (bool, error)
	Release(ctx context.Context, q QueueID, runID string) error
	CurrentConcurrency(ctx context.Context, key string) (int, error)

	// Sweeper operations.
	ListQueueKeys(ctx context.Context) ([]string, error)
	LeasedRunIDs(ctx context.Context, q QueueID) ([]string, error)
	MarkCompleted(ctx context.Context, members []string) error
	PopMarked(ctx context.Context, count int) ([]string, error)

	// Supervisor registry.
	WriteSupervisorState(ctx context.Context, infos []*SupervisorInfo, ttl time.Duration) error
	ClearSupervisorState(ctx context.Context, workerGroup, instanceID string) error

	ShardCount() int
}
