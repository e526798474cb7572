// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/errors"
	"github.com/fairrun/fairrun/internal/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Runner executes one leased run attempt on behalf of the supervisor session.
// The session calls it after the attempt-start handshake; the returned
// completion is reported back to the scheduler. The context is canceled when
// the run is canceled remotely or the session shuts down.
type Runner interface {
	Run(ctx context.Context, msg DequeuedMessage, exec ExecutionPayload, envVars map[string]string) (AttemptCompletion, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, msg DequeuedMessage, exec ExecutionPayload, envVars map[string]string) (AttemptCompletion, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, msg DequeuedMessage, exec ExecutionPayload, envVars map[string]string) (AttemptCompletion, error) {
	return f(ctx, msg, exec, envVars)
}

// heldLease pairs a run reported in heartbeats with its lease handle. The
// lease is reset on every acknowledged heartbeat; once it lapses without an
// extension the run's context is canceled.
type heldLease struct {
	run   HeartbeatRun
	lease *base.Lease
}

// SessionConfig specifies a WorkerSupervisorSession.
type SessionConfig struct {
	// Endpoint is the base URL of the scheduler's worker API,
	// e.g. "http://localhost:8080". Required.
	Endpoint string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// InstanceID identifies this supervisor instance. Defaults to a random
	// UUID.
	InstanceID string

	// Deployment, Version and Machine describe the code and hardware shape
	// this supervisor runs, and form the warm-start fingerprint together
	// with the tenant of the last executed run.
	Deployment string
	Version    string
	Machine    string

	// Runner executes dequeued runs. Required.
	Runner Runner

	// MaxRunCount is the most runs requested per dequeue. Defaults to 1.
	MaxRunCount int

	// HeartbeatInterval is the pause between heartbeats. Defaults to 15s.
	HeartbeatInterval time.Duration

	// DequeueTimeout is the long-poll timeout sent with each dequeue
	// request. Defaults to 20s.
	DequeueTimeout time.Duration

	// ConnectMaxRetries bounds the initial connect attempts. Defaults to 5.
	ConnectMaxRetries int

	// HTTPClient is used for all protocol calls. Defaults to a client with
	// a timeout slightly above DequeueTimeout.
	HTTPClient *http.Client

	// Logger overrides the default logger.
	Logger *log.Logger

	// ResourceUsage, if set, supplies the CPU and memory figures reported
	// in heartbeats.
	ResourceUsage func() (cpu, memory float64)
}

// WorkerSupervisorSession is the worker-side half of the worker protocol. It
// connects to the scheduler, heartbeats, long-polls for runs, executes them
// through the configured Runner, and reports completions.
//
// A session prefers warm starts: after finishing a run it polls the
// warm-started environment first, falling back to the fair dequeue path when
// nothing matches the fingerprint. At most one warm-start poll is in flight
// at a time.
type WorkerSupervisorSession struct {
	logger *log.Logger
	cfg    SessionConfig
	http   *http.Client

	workerGroup string

	// leases currently held, reported with each heartbeat.
	mu     sync.Mutex
	leases map[string]*heldLease // runID -> lease

	// tenant of the most recently executed run; the warm-start fingerprint.
	warmTenant atomic.Pointer[base.Tenant]

	// guards the single in-flight warm-start poll.
	warmStartInFlight atomic.Bool

	// cancelation registry for remote run cancellation over the WS.
	cancelations *base.Cancelations

	// throttles dequeue-error logging so a scheduler outage does not flood
	// the log.
	errLogLimiter *rate.Limiter

	done chan struct{}
	wg   sync.WaitGroup

	once sync.Once
}

// NewWorkerSupervisorSession validates cfg and returns a session ready to Start.
func NewWorkerSupervisorSession(cfg SessionConfig) (*WorkerSupervisorSession, error) {
	var op errors.Op = "fairrun.NewWorkerSupervisorSession"
	if cfg.Endpoint == "" {
		return nil, errors.E(op, errors.FailedPrecondition, "Endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, errors.E(op, errors.FailedPrecondition, fmt.Sprintf("invalid endpoint: %v", err))
	}
	if cfg.Runner == nil {
		return nil, errors.E(op, errors.FailedPrecondition, "Runner is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.MaxRunCount < 1 {
		cfg.MaxRunCount = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 20 * time.Second
	}
	if cfg.ConnectMaxRetries <= 0 {
		cfg.ConnectMaxRetries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.DequeueTimeout + 10*time.Second}
	}
	return &WorkerSupervisorSession{
		logger:        logger,
		cfg:           cfg,
		http:          httpClient,
		leases:        make(map[string]*heldLease),
		cancelations:  base.NewCancelations(),
		errLogLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		done:          make(chan struct{}),
	}, nil
}

// Start connects to the scheduler and launches the heartbeat, dequeue and
// notification loops. It returns once the session is established; the loops
// run until Shutdown.
func (s *WorkerSupervisorSession) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.dequeueLoop()
	s.wg.Add(1)
	go s.notificationLoop()
	return nil
}

// Shutdown stops the session loops and waits for in-flight runs to finish.
func (s *WorkerSupervisorSession) Shutdown() {
	s.once.Do(func() {
		s.logger.Debug("Supervisor session shutting down...")
		close(s.done)
	})
	s.wg.Wait()
}

// connect performs the initial handshake with exponential backoff and jitter.
func (s *WorkerSupervisorSession) connect(ctx context.Context) error {
	var op errors.Op = "session.connect"
	hostname, _ := os.Hostname()
	req := ConnectRequest{
		Metadata: WorkerMetadata{
			InstanceID: s.cfg.InstanceID,
			Hostname:   hostname,
			PID:        os.Getpid(),
			Deployment: s.cfg.Deployment,
			Version:    s.cfg.Version,
			Machine:    s.cfg.Machine,
		},
	}
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.cfg.ConnectMaxRetries; attempt++ {
		if attempt > 0 {
			sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return errors.E(op, errors.Canceled, ctx.Err())
			case <-time.After(sleep):
			}
			backoff *= 2
		}
		var resp ConnectResponse
		if lastErr = s.post(ctx, "/api/v1/worker/connect", req, &resp); lastErr != nil {
			s.logger.Warnf("Connect attempt %d failed: %v", attempt+1, lastErr)
			continue
		}
		s.workerGroup = resp.WorkerGroup
		s.logger.Infof("Supervisor session %s connected to worker group %q", s.cfg.InstanceID, resp.WorkerGroup)
		return nil
	}
	return errors.E(op, errors.Unknown, fmt.Sprintf("connect failed after %d attempts: %v", s.cfg.ConnectMaxRetries, lastErr))
}

func (s *WorkerSupervisorSession) heartbeatLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			s.logger.Debug("Heartbeat loop done")
			return
		case <-timer.C:
			s.heartbeat()
			timer.Reset(s.cfg.HeartbeatInterval)
		}
	}
}

func (s *WorkerSupervisorSession) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var cpu, mem float64
	if s.cfg.ResourceUsage != nil {
		cpu, mem = s.cfg.ResourceUsage()
	}
	s.mu.Lock()
	runs := make([]HeartbeatRun, 0, len(s.leases))
	held := make([]*heldLease, 0, len(s.leases))
	for _, hl := range s.leases {
		runs = append(runs, hl.run)
		held = append(held, hl)
	}
	s.mu.Unlock()
	req := HeartbeatRequest{
		InstanceID: s.cfg.InstanceID,
		CPU:        cpu,
		Memory:     mem,
		Tasks:      len(runs),
		Runs:       runs,
	}
	var resp HeartbeatResponse
	if err := s.post(ctx, "/api/v1/worker/heartbeat", req, &resp); err != nil {
		s.logger.Warnf("Heartbeat failed: %v", err)
		return
	}
	for _, hl := range held {
		if !resp.LeaseExpiresAt.IsZero() && hl.lease.Reset(resp.LeaseExpiresAt) {
			continue
		}
		// Not extended. NotifyExpiration fires only once the deadline has
		// actually passed; the run's context is then canceled.
		if hl.lease.NotifyExpiration() {
			s.logger.Warnf("Lease for run %s expired without extension (deadline %v)",
				hl.run.RunID, hl.lease.Deadline())
		}
	}
}

func (s *WorkerSupervisorSession) dequeueLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.logger.Debug("Dequeue loop done")
			return
		default:
		}
		msgs, err := s.poll()
		if err != nil {
			if s.errLogLimiter.Allow() {
				s.logger.Errorf("Dequeue failed: %v", err)
			}
			select {
			case <-s.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			s.execute(msg)
		}
	}
}

// poll fetches the next batch of runs. If a previous run pinned a warm-start
// tenant, that environment is polled first with a short timeout; empty-handed
// warm starts fall through to the fair path.
func (s *WorkerSupervisorSession) poll() ([]DequeuedMessage, error) {
	if tenant := s.warmTenant.Load(); tenant != nil {
		msgs, err := s.WarmStartPoll(context.Background(), *tenant, 2*time.Second)
		if err != nil && !errors.Is(err, errors.ErrWarmStartInFlight) {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		// Fingerprinted environment is idle; release the pin and rejoin
		// the fair path.
		s.warmTenant.CompareAndSwap(tenant, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DequeueTimeout+5*time.Second)
	defer cancel()
	req := DequeueRequest{
		MaxRunCount: s.cfg.MaxRunCount,
		TimeoutMs:   s.cfg.DequeueTimeout.Milliseconds(),
	}
	var resp DequeueResponse
	if err := s.post(ctx, "/api/v1/worker/dequeue", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// WarmStartPoll polls the warm-start fast path for the given tenant. Only one
// warm-start poll may be in flight per session; a concurrent call fails with
// errors.ErrWarmStartInFlight and claims nothing.
func (s *WorkerSupervisorSession) WarmStartPoll(ctx context.Context, tenant base.Tenant, timeout time.Duration) ([]DequeuedMessage, error) {
	if !s.warmStartInFlight.CompareAndSwap(false, true) {
		return nil, errors.ErrWarmStartInFlight
	}
	defer s.warmStartInFlight.Store(false)
	req := WarmStartRequest{
		Fingerprint: WarmStartFingerprint{
			OrgID:      tenant.OrgID,
			EnvID:      tenant.EnvID,
			Deployment: s.cfg.Deployment,
			Version:    s.cfg.Version,
			Machine:    s.cfg.Machine,
		},
		MaxRunCount: s.cfg.MaxRunCount,
		TimeoutMs:   timeout.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	var resp DequeueResponse
	if err := s.post(ctx, "/api/v1/worker/warm-start", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// execute runs one leased message through the full attempt lifecycle.
func (s *WorkerSupervisorSession) execute(msg DequeuedMessage) {
	lease := base.NewLease(msg.LeaseExpiresAt)
	s.mu.Lock()
	s.leases[msg.RunID] = &heldLease{
		run:   HeartbeatRun{RunID: msg.RunID, Queue: msg.Queue},
		lease: lease,
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.leases, msg.RunID)
		s.mu.Unlock()
	}()

	isWarmStart := s.warmTenant.Load() != nil
	startReq := AttemptStartRequest{
		InstanceID:     s.cfg.InstanceID,
		Queue:          msg.Queue,
		TaskIdentifier: msg.TaskIdentifier,
		Attempt:        msg.Attempt,
		Machine:        s.cfg.Machine,
		IsWarmStart:    isWarmStart,
	}
	ctx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	var startResp AttemptStartResponse
	err := s.post(ctx, "/api/v1/worker/runs/"+url.PathEscape(msg.RunID)+"/attempts/start", startReq, &startResp)
	cancelStart()
	if err != nil {
		s.logger.Errorf("Attempt start failed for run %s: %v", msg.RunID, err)
		return
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	s.cancelations.Add(msg.RunID, cancelRun)
	go func() {
		select {
		case <-lease.Done():
			s.logger.Warnf("Lease for run %s expired, canceling the attempt", msg.RunID)
			cancelRun()
		case <-runCtx.Done():
		}
	}()
	completion, err := s.cfg.Runner.Run(runCtx, msg, startResp.Execution, startResp.EnvVars)
	s.cancelations.Delete(msg.RunID)
	cancelRun()
	if err != nil {
		completion = AttemptCompletion{OK: false, Error: err.Error()}
	}

	completeReq := AttemptCompleteRequest{
		InstanceID: s.cfg.InstanceID,
		Queue:      msg.Queue,
		SnapshotID: startResp.SnapshotID,
		Completion: completion,
	}
	ctx, cancelDone := context.WithTimeout(context.Background(), 10*time.Second)
	var completeResp AttemptCompleteResponse
	err = s.post(ctx, "/api/v1/worker/runs/"+url.PathEscape(msg.RunID)+"/attempts/complete", completeReq, &completeResp)
	cancelDone()
	if err != nil {
		s.logger.Errorf("Attempt complete failed for run %s: %v", msg.RunID, err)
		return
	}

	// Pin this run's tenant as the warm-start fingerprint for the next poll.
	tenant := base.Tenant{OrgID: msg.Queue.OrgID, EnvID: msg.Queue.EnvID}
	s.warmTenant.Store(&tenant)
}

// Suspend parks an in-progress run with its checkpoint and drops the local lease.
func (s *WorkerSupervisorSession) Suspend(ctx context.Context, runID string, queue QueueRef, checkpoint []byte, suspendErr string) error {
	req := SuspendRequest{
		InstanceID: s.cfg.InstanceID,
		Queue:      queue,
		Checkpoint: checkpoint,
		Error:      suspendErr,
	}
	var resp SuspendResponse
	if err := s.post(ctx, "/api/v1/worker/runs/"+url.PathEscape(runID)+"/suspend", req, &resp); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.leases, runID)
	s.mu.Unlock()
	return nil
}

// notificationLoop keeps a WebSocket open for run notifications, subscribing
// to every lease the session holds and canceling runs on request.
func (s *WorkerSupervisorSession) notificationLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.logger.Debug("Notification loop done")
			return
		default:
		}
		if err := s.runNotificationSocket(); err != nil {
			s.logger.Debugf("Notification socket closed: %v", err)
		}
		select {
		case <-s.done:
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *WorkerSupervisorSession) runNotificationSocket() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	wsURL := strings.TrimSuffix(s.cfg.Endpoint, "/") + "/api/v1/worker/ws"
	// The session's HTTP client carries a request timeout, which the
	// websocket dialer rejects for long-lived connections; dial with the
	// default client and rely on ctx instead.
	opts := &websocket.DialOptions{}
	if s.cfg.AuthToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + s.cfg.AuthToken}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Subscribe to every lease currently held.
	s.mu.Lock()
	runIDs := make([]string, 0, len(s.leases))
	for runID := range s.leases {
		runIDs = append(runIDs, runID)
	}
	s.mu.Unlock()
	for _, runID := range runIDs {
		if err := wsjson.Write(ctx, conn, WSFrame{Type: WSEventRunSubscribe, RunID: runID}); err != nil {
			return err
		}
	}

	for {
		var frame WSFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if frame.Type != WSEventRunNotify {
			continue
		}
		switch frame.Action {
		case RunNotifyCancel:
			if cancelRun, ok := s.cancelations.Get(frame.RunID); ok {
				s.logger.Infof("Canceling run %s on remote request", frame.RunID)
				cancelRun()
			}
		case RunNotifyComplete:
			// Completion already flows through the attempt lifecycle.
		}
	}
}

// post sends one JSON request to the worker API and decodes the response into
// out. Non-2xx responses become errors carrying the server's message.
func (s *WorkerSupervisorSession) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := strings.TrimSuffix(s.cfg.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s: %s (status %d)", path, errResp.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
