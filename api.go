// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/batch"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/fairrun/fairrun/internal/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultLongPollInterval = 250 * time.Millisecond
	defaultMaxLongPoll      = 20 * time.Second
	defaultHeartbeatTTL     = 60 * time.Second

	// Request body caps. Control-plane bodies are small; completion
	// reports carry run output and get a larger cap.
	defaultMaxRequestBytes    = 10 << 10 // 10KB
	defaultMaxCompletionBytes = 3 << 20  // 3MB
)

// WorkerAPIConfig specifies the behavior of the worker protocol endpoints.
type WorkerAPIConfig struct {
	// WorkerGroup is the group name assigned to connecting supervisors.
	// Defaults to "default".
	WorkerGroup string

	// AuthToken, if non-empty, is required as a bearer token on every request.
	AuthToken string

	// LongPollInterval is the pause between dequeue attempts within one
	// long-poll request. Defaults to 250ms.
	LongPollInterval time.Duration

	// MaxLongPoll caps the duration of one dequeue/warm-start request
	// regardless of the timeout the worker asked for. Defaults to 20s.
	MaxLongPoll time.Duration

	// HeartbeatTTL is how long supervisor state stays readable without a
	// new heartbeat. Defaults to 60s.
	HeartbeatTTL time.Duration

	// HeartbeatFlushInterval and HeartbeatBatchSize control coalescing of
	// heartbeat writes before they are persisted.
	HeartbeatFlushInterval time.Duration
	HeartbeatBatchSize     int

	// MaxRequestBytes caps control-plane request bodies. Defaults to 10KB.
	MaxRequestBytes int64

	// MaxCompletionBytes caps attempt-completion bodies. Defaults to 3MB.
	MaxCompletionBytes int64

	// EnvVarResolver supplies the environment variables handed to a run
	// attempt. Optional; nil means no env vars.
	EnvVarResolver func(ctx context.Context, orgID, envID string) (map[string]string, error)
}

// WorkerAPI serves the worker protocol: connect, heartbeat, long-poll
// dequeue, warm start, the run-attempt lifecycle, and the notification
// WebSocket.
type WorkerAPI struct {
	logger *log.Logger
	broker base.Broker
	cfg    WorkerAPIConfig

	// round-robin shard cursor for fair dequeue.
	shardCursor atomic.Uint64

	// when set, dequeue and warm-start requests return empty immediately.
	paused atomic.Bool

	// heartbeat writes are coalesced per instance before persisting.
	heartbeats *batch.FlushScheduler[*base.SupervisorInfo]

	notifier *notifier
}

// NewWorkerAPI returns a WorkerAPI backed by the given broker.
func NewWorkerAPI(broker base.Broker, logger *log.Logger, cfg WorkerAPIConfig) *WorkerAPI {
	if cfg.WorkerGroup == "" {
		cfg.WorkerGroup = "default"
	}
	if cfg.LongPollInterval <= 0 {
		cfg.LongPollInterval = defaultLongPollInterval
	}
	if cfg.MaxLongPoll <= 0 {
		cfg.MaxLongPoll = defaultMaxLongPoll
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.MaxCompletionBytes <= 0 {
		cfg.MaxCompletionBytes = defaultMaxCompletionBytes
	}
	a := &WorkerAPI{
		logger:   logger,
		broker:   broker,
		cfg:      cfg,
		notifier: newNotifier(logger),
	}
	a.heartbeats = batch.NewFlushScheduler(batch.Config[*base.SupervisorInfo]{
		BatchSize:     cfg.HeartbeatBatchSize,
		FlushInterval: cfg.HeartbeatFlushInterval,
		GetKey: func(info *base.SupervisorInfo) (string, bool) {
			if info == nil || info.InstanceID == "" {
				return "", false
			}
			return info.InstanceID, true
		},
		ShouldReplace: func(existing, incoming *base.SupervisorInfo) bool {
			return !incoming.LastHeartbeat.Before(existing.LastHeartbeat)
		},
		Callback: func(ctx context.Context, flushID string, b map[string]*base.SupervisorInfo) {
			infos := make([]*base.SupervisorInfo, 0, len(b))
			for _, info := range b {
				infos = append(infos, info)
			}
			if err := broker.WriteSupervisorState(ctx, infos, cfg.HeartbeatTTL); err != nil {
				logger.Errorf("Failed to flush supervisor heartbeats (flush %s): %v", flushID, err)
			}
		},
	})
	return a
}

// Handler returns the router serving the worker protocol under /api/v1/worker.
func (a *WorkerAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/worker", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/connect", a.handleConnect)
		r.Post("/heartbeat", a.handleHeartbeat)
		r.Post("/dequeue", a.handleDequeue)
		r.Post("/warm-start", a.handleWarmStart)
		r.Post("/runs/{runID}/attempts/start", a.handleAttemptStart)
		r.Post("/runs/{runID}/attempts/complete", a.handleAttemptComplete)
		r.Post("/runs/{runID}/suspend", a.handleSuspend)
		r.Get("/ws", a.handleWS)
	})
	return r
}

// PauseLeasing makes dequeue and warm-start requests return empty without
// touching the queues. Heartbeats and completion reports continue to work.
func (a *WorkerAPI) PauseLeasing() {
	a.paused.Store(true)
}

// ResumeLeasing undoes PauseLeasing.
func (a *WorkerAPI) ResumeLeasing() {
	a.paused.Store(false)
}

// NotifyRun pushes an out-of-band notification (e.g. a cancellation) to every
// worker subscribed to the given run.
func (a *WorkerAPI) NotifyRun(runID, action string) {
	a.notifier.notify(runID, action)
}

// Close drains the heartbeat flusher.
func (a *WorkerAPI) Close(ctx context.Context) error {
	return a.heartbeats.Shutdown(ctx)
}

func (a *WorkerAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AuthToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token != a.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *WorkerAPI) decode(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (a *WorkerAPI) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !a.decode(w, r, a.cfg.MaxRequestBytes, &req) {
		return
	}
	if req.Metadata.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "metadata.instanceId is required")
		return
	}
	now := time.Now().UTC()
	info := &base.SupervisorInfo{
		WorkerGroup:   a.cfg.WorkerGroup,
		InstanceID:    req.Metadata.InstanceID,
		Host:          req.Metadata.Hostname,
		PID:           req.Metadata.PID,
		Deployment:    req.Metadata.Deployment,
		Version:       req.Metadata.Version,
		Machine:       req.Metadata.Machine,
		Started:       now,
		LastHeartbeat: now,
	}
	// Connect registers immediately rather than waiting for the flush
	// window, so a freshly connected worker is visible at once.
	if err := a.broker.WriteSupervisorState(r.Context(), []*base.SupervisorInfo{info}, a.cfg.HeartbeatTTL); err != nil {
		a.logger.Errorf("Failed to register supervisor %s: %v", req.Metadata.InstanceID, err)
		writeError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{WorkerGroup: a.cfg.WorkerGroup})
}

func (a *WorkerAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !a.decode(w, r, a.cfg.MaxRequestBytes, &req) {
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}
	now := time.Now().UTC()
	err := a.heartbeats.AddToBatch(&base.SupervisorInfo{
		WorkerGroup:   a.cfg.WorkerGroup,
		InstanceID:    req.InstanceID,
		CPU:           req.CPU,
		Memory:        req.Memory,
		RunningTasks:  req.Tasks,
		LastHeartbeat: now,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is shutting down")
		return
	}
	resp := HeartbeatResponse{OK: true}
	// Extend the lease of every run the supervisor reports as in progress.
	byQueue := make(map[base.QueueID][]string)
	for _, run := range req.Runs {
		q := queueFromRef(run.Queue)
		byQueue[q] = append(byQueue[q], run.RunID)
	}
	for q, ids := range byQueue {
		expiresAt, err := a.broker.ExtendLease(r.Context(), q, ids...)
		if err != nil {
			if errors.Is(err, errors.ErrLeaseNotFound) {
				// Every reported lease already lapsed and was redelivered;
				// the missing expiry in the response tells the worker so.
				continue
			}
			a.logger.Errorf("Failed to extend leases for queue %v: %v", q, err)
			continue
		}
		resp.LeaseExpiresAt = expiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// longPoll repeatedly invokes fetch until it yields messages, the request
// context is canceled, or the poll deadline passes. An abort mid-poll is a
// normal termination: the empty response commits nothing.
func (a *WorkerAPI) longPoll(ctx context.Context, timeoutMs int64, fetch func(context.Context) ([]*base.LeasedMessage, error)) ([]*base.LeasedMessage, error) {
	timeout := a.cfg.MaxLongPoll
	if timeoutMs > 0 {
		if d := time.Duration(timeoutMs) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		msgs, err := fetch(ctx)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(a.cfg.LongPollInterval):
		}
	}
}

func (a *WorkerAPI) handleDequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if !a.decode(w, r, a.cfg.MaxRequestBytes, &req) {
		return
	}
	if a.paused.Load() {
		writeJSON(w, http.StatusOK, DequeueResponse{Messages: []DequeuedMessage{}})
		return
	}
	count := req.MaxRunCount
	if count < 1 {
		count = 1
	}
	shards := a.broker.ShardCount()
	msgs, err := a.longPoll(r.Context(), req.TimeoutMs, func(ctx context.Context) ([]*base.LeasedMessage, error) {
		shard := int(a.shardCursor.Add(1) % uint64(shards))
		return a.broker.DequeueFair(ctx, shard, count)
	})
	if err != nil {
		a.logger.Errorf("Dequeue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "dequeue failed")
		return
	}
	writeJSON(w, http.StatusOK, DequeueResponse{Messages: toDequeued(msgs)})
}

func (a *WorkerAPI) handleWarmStart(w http.ResponseWriter, r *http.Request) {
	var req WarmStartRequest
	if !a.decode(w, r, a.cfg.MaxRequestBytes, &req) {
		return
	}
	if req.Fingerprint.OrgID == "" || req.Fingerprint.EnvID == "" {
		writeError(w, http.StatusBadRequest, "fingerprint.orgId and fingerprint.envId are required")
		return
	}
	if a.paused.Load() {
		writeJSON(w, http.StatusOK, DequeueResponse{Messages: []DequeuedMessage{}})
		return
	}
	count := req.MaxRunCount
	if count < 1 {
		count = 1
	}
	msgs, err := a.longPoll(r.Context(), req.TimeoutMs, func(ctx context.Context) ([]*base.LeasedMessage, error) {
		return a.broker.DequeueEnv(ctx, req.Fingerprint.OrgID, req.Fingerprint.EnvID, count)
	})
	if err != nil {
		a.logger.Errorf("Warm-start dequeue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "warm-start dequeue failed")
		return
	}
	writeJSON(w, http.StatusOK, DequeueResponse{Messages: toDequeued(msgs)})
}

func (a *WorkerAPI) handleAttemptStart(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req AttemptStartRequest
	if !a.decode(w, r, a.cfg.MaxRequestBytes, &req) {
		return
	}
	var envVars map[string]string
	if a.cfg.EnvVarResolver != nil {
		var err error
		envVars, err = a.cfg.EnvVarResolver(r.Context(), req.Queue.OrgID, req.Queue.EnvID)
		if err != nil {
			a.logger.Errorf("Failed to resolve env vars for run %s: %v", runID, err)
			writeError(w, http.StatusInternalServerError, "failed to resolve environment")
			return
		}
	}
	writeJSON(w, http.StatusOK, AttemptStartResponse{
		RunID:      runID,
		SnapshotID: uuid.NewString(),
		Execution: ExecutionPayload{
			TaskIdentifier: req.TaskIdentifier,
			Machine:        req.Machine,
			Attempt:        req.Attempt,
		},
		EnvVars: envVars,
	})
}

func (a *WorkerAPI) handleAttemptComplete(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req AttemptCompleteRequest
	if !a.decode(w, r, a.cfg.MaxCompletionBytes, &req) {
		return
	}
	q := queueFromRef(req.Queue)
	if err := a.broker.Ack(r.Context(), q, runID); err != nil {
		if errors.IsMessageNotFound(err) {
			// Lease already lapsed; the run was redelivered. The worker's
			// result is discarded and the redelivery owns the run now.
			writeError(w, http.StatusConflict, "lease no longer held")
			return
		}
		a.logger.Errorf("Failed to ack run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to record completion")
		return
	}
	a.notifier.notify(runID, RunNotifyComplete)
	result := "COMPLETED"
	if !req.Completion.OK {
		result = "FAILED"
	}
	writeJSON(w, http.StatusOK, AttemptCompleteResponse{Result: result})
}

func (a *WorkerAPI) handleSuspend(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req SuspendRequest
	if !a.decode(w, r, a.cfg.MaxCompletionBytes, &req) {
		return
	}
	// A suspended run leaves the queue core; resumption re-enqueues it with
	// the externally stored checkpoint.
	q := queueFromRef(req.Queue)
	if err := a.broker.Ack(r.Context(), q, runID); err != nil && !errors.IsMessageNotFound(err) {
		a.logger.Errorf("Failed to suspend run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to suspend run")
		return
	}
	writeJSON(w, http.StatusOK, SuspendResponse{OK: true})
}

func (a *WorkerAPI) handleWS(w http.ResponseWriter, r *http.Request) {
	a.notifier.serve(w, r)
}

func queueFromRef(ref QueueRef) base.QueueID {
	return base.QueueID{
		OrgID:          ref.OrgID,
		ProjectID:      ref.ProjectID,
		EnvID:          ref.EnvID,
		Name:           ref.Name,
		ConcurrencyKey: ref.ConcurrencyKey,
	}
}

func refFromQueue(q base.QueueID) QueueRef {
	return QueueRef{
		OrgID:          q.OrgID,
		ProjectID:      q.ProjectID,
		EnvID:          q.EnvID,
		Name:           q.Name,
		ConcurrencyKey: q.ConcurrencyKey,
	}
}

func toDequeued(msgs []*base.LeasedMessage) []DequeuedMessage {
	out := make([]DequeuedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DequeuedMessage{
			RunID:             m.Message.ID,
			Queue:             refFromQueue(m.Message.QueueID()),
			TaskIdentifier:    m.Message.TaskIdentifier,
			Attempt:           m.Message.Attempt,
			EnqueuedAtMs:      m.Message.EnqueuedAtMs,
			VisibilityTimeout: m.VisibilityTimeout.Milliseconds(),
			LeaseExpiresAt:    m.LeaseExpiresAt,
			Payload:           m.Message.Payload,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// notifier fans run notifications out to subscribed worker sockets.
type notifier struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{} // runID -> conns
}

func newNotifier(logger *log.Logger) *notifier {
	return &notifier{
		logger: logger,
		subs:   make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (n *notifier) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		n.logger.Errorf("WebSocket accept failed: %v", err)
		return
	}
	defer n.dropConn(conn)
	ctx := r.Context()
	for {
		var frame WSFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			// Normal closure or network failure; either way this
			// subscriber is gone.
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		switch frame.Type {
		case WSEventRunSubscribe:
			n.subscribe(frame.RunID, conn)
		case WSEventRunUnsubscribe:
			n.unsubscribe(frame.RunID, conn)
		}
	}
}

func (n *notifier) subscribe(runID string, conn *websocket.Conn) {
	if runID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[runID] == nil {
		n.subs[runID] = make(map[*websocket.Conn]struct{})
	}
	n.subs[runID][conn] = struct{}{}
}

func (n *notifier) unsubscribe(runID string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if conns := n.subs[runID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(n.subs, runID)
		}
	}
}

func (n *notifier) dropConn(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for runID, conns := range n.subs {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(n.subs, runID)
		}
	}
}

func (n *notifier) notify(runID, action string) {
	n.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(n.subs[runID]))
	for conn := range n.subs[runID] {
		conns = append(conns, conn)
	}
	n.mu.Unlock()
	frame := WSFrame{Type: WSEventRunNotify, RunID: runID, Action: action}
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			n.logger.Debugf("Dropping unreachable run subscriber: %v", err)
			n.dropConn(conn)
		}
		cancel()
	}
}
