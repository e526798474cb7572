// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import "time"

// Types in this file define the worker protocol: the JSON bodies exchanged
// between a worker supervisor session and the scheduler's worker API.

// ConnectRequest is sent once when a supervisor session starts.
type ConnectRequest struct {
	Metadata WorkerMetadata `json:"metadata"`
}

// WorkerMetadata describes a worker supervisor instance.
type WorkerMetadata struct {
	InstanceID string `json:"instanceId"`
	Hostname   string `json:"hostname"`
	PID        int    `json:"pid"`
	Deployment string `json:"deployment"`
	Version    string `json:"version"`
	Machine    string `json:"machine"`
}

// ConnectResponse acknowledges a connect and assigns the worker group.
type ConnectResponse struct {
	WorkerGroup string `json:"workerGroup"`
}

// HeartbeatRequest reports supervisor liveness and resource usage, and lists
// the in-progress runs whose leases should be extended.
type HeartbeatRequest struct {
	InstanceID string         `json:"instanceId"`
	CPU        float64        `json:"cpu"`
	Memory     float64        `json:"memory"`
	Tasks      int            `json:"tasks"`
	Runs       []HeartbeatRun `json:"runs,omitempty"`
}

// HeartbeatRun identifies one leased run held by the supervisor.
type HeartbeatRun struct {
	RunID string   `json:"runId"`
	Queue QueueRef `json:"queue"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK             bool      `json:"ok"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
}

// QueueRef identifies a queue in protocol bodies.
type QueueRef struct {
	OrgID          string `json:"orgId"`
	ProjectID      string `json:"projectId"`
	EnvID          string `json:"envId"`
	Name           string `json:"name"`
	ConcurrencyKey string `json:"concurrencyKey,omitempty"`
}

// DequeueRequest long-polls for work.
type DequeueRequest struct {
	MaxRunCount int   `json:"maxRunCount,omitempty"`
	TimeoutMs   int64 `json:"timeoutMs,omitempty"`
}

// WarmStartRequest long-polls the warm-start fast path with the worker's
// capacity fingerprint.
type WarmStartRequest struct {
	Fingerprint WarmStartFingerprint `json:"fingerprint"`
	MaxRunCount int                  `json:"maxRunCount,omitempty"`
	TimeoutMs   int64                `json:"timeoutMs,omitempty"`
}

// WarmStartFingerprint names the deployment shape of a worker's spare
// capacity. Dequeue is restricted to the fingerprinted environment, so warm
// start never claims another tenant's work.
type WarmStartFingerprint struct {
	OrgID      string `json:"orgId"`
	EnvID      string `json:"envId"`
	Deployment string `json:"deployment"`
	Version    string `json:"version"`
	Machine    string `json:"machine"`
}

// DequeuedMessage is one leased run handed to a worker.
type DequeuedMessage struct {
	RunID             string    `json:"runId"`
	Queue             QueueRef  `json:"queue"`
	TaskIdentifier    string    `json:"taskIdentifier"`
	Attempt           int       `json:"attempt"`
	EnqueuedAtMs      int64     `json:"enqueuedAtMs"`
	VisibilityTimeout int64     `json:"visibilityTimeoutMs"`
	LeaseExpiresAt    time.Time `json:"leaseExpiresAt"`
	Payload           []byte    `json:"payload,omitempty"`
}

// DequeueResponse carries zero or more leased runs. An empty list is the
// normal "no work" result, not an error.
type DequeueResponse struct {
	Messages []DequeuedMessage `json:"messages"`
}

// AttemptStartRequest asks the scheduler to start an attempt for a dequeued run.
type AttemptStartRequest struct {
	InstanceID     string   `json:"instanceId"`
	Queue          QueueRef `json:"queue"`
	TaskIdentifier string   `json:"taskIdentifier"`
	Attempt        int      `json:"attempt"`
	Machine        string   `json:"machine,omitempty"`
	IsWarmStart    bool     `json:"isWarmStart,omitempty"`
}

// AttemptStartResponse carries the concrete execution payload for the run.
type AttemptStartResponse struct {
	RunID      string            `json:"runId"`
	SnapshotID string            `json:"snapshotId"`
	Execution  ExecutionPayload  `json:"execution"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

// ExecutionPayload describes how the task-run process should be launched.
type ExecutionPayload struct {
	TaskIdentifier string `json:"taskIdentifier"`
	Machine        string `json:"machine"`
	Attempt        int    `json:"attempt"`
}

// AttemptCompleteRequest reports the outcome of an attempt.
type AttemptCompleteRequest struct {
	InstanceID string            `json:"instanceId"`
	Queue      QueueRef          `json:"queue"`
	SnapshotID string            `json:"snapshotId"`
	Completion AttemptCompletion `json:"completion"`
}

// AttemptCompletion is the terminal outcome of one attempt.
type AttemptCompletion struct {
	OK     bool   `json:"ok"`
	Output []byte `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AttemptCompleteResponse acknowledges a completion report.
type AttemptCompleteResponse struct {
	Result string `json:"result"`
}

// SuspendRequest parks an in-progress run, carrying either a checkpoint or
// the error that forced the suspension.
type SuspendRequest struct {
	InstanceID string   `json:"instanceId"`
	Queue      QueueRef `json:"queue"`
	Checkpoint []byte   `json:"checkpoint,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SuspendResponse acknowledges a suspension.
type SuspendResponse struct {
	OK bool `json:"ok"`
}

// WS event types layered on top of the pull protocol.
const (
	WSEventRunSubscribe   = "run:subscribe"
	WSEventRunUnsubscribe = "run:unsubscribe"
	WSEventRunNotify      = "run:notify"
)

// Run notification actions pushed to subscribed workers.
const (
	RunNotifyCancel   = "cancel"
	RunNotifyComplete = "complete"
)

// WSFrame is one message on the worker notification socket.
type WSFrame struct {
	Type   string `json:"type"`
	RunID  string `json:"runId"`
	Action string `json:"action,omitempty"`
}

// ErrorResponse is the body of any non-2xx worker API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
