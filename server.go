// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/log"
	"github.com/fairrun/fairrun/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Server is the scheduler side of the fair run queue. It serves the worker
// protocol over HTTP, keeps the concurrency ledger honest via the sweeper,
// and watches the health of the redis connection.
//
// Workers connect with a WorkerSupervisorSession (or any client speaking the
// worker protocol); producers enqueue runs with a Client against the same
// redis instance.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	api           *WorkerAPI
	httpServer    *http.Server
	sweeper       *sweeper
	healthchecker *healthchecker

	shutdownTimeout time.Duration
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer leasing new runs.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's scheduling behavior.
type Config struct {
	// ShardCount is the number of master-queue shards. All servers and
	// clients sharing a redis instance must agree on it.
	//
	// If set to a zero or negative value, the default of 4 is used.
	ShardCount int

	// ListenAddr is the address the worker API listens on, e.g. ":8080".
	//
	// If empty, no listener is started; use Handler to mount the API on an
	// existing server.
	ListenAddr string

	// WorkerGroup is the group name assigned to connecting supervisors.
	WorkerGroup string

	// AuthToken, if non-empty, is required as a bearer token on every
	// worker API request.
	AuthToken string

	// CompletedRunOracle reports which run IDs have finished executing.
	// Without it the sweeper is disabled and phantom ledger entries from
	// crashed workers are never reclaimed.
	CompletedRunOracle CompletedRunOracle

	// SweeperScanInterval specifies the interval between ledger scans.
	//
	// If unset or zero, the interval is set to 1 minute.
	SweeperScanInterval time.Duration

	// SweeperProcessInterval specifies the interval between drains of the
	// marked-for-removal set.
	//
	// If unset or zero, the interval is set to 5 seconds.
	SweeperProcessInterval time.Duration

	// SweeperBatchSize specifies the number of marked entries to release in
	// one drain.
	//
	// If unset or zero, default batch size of 100 is used.
	SweeperBatchSize int

	// HeartbeatFlushInterval specifies how long supervisor heartbeats are
	// coalesced before being persisted.
	//
	// If unset or zero, the interval is set to 1 second.
	HeartbeatFlushInterval time.Duration

	// HeartbeatBatchSize specifies how many distinct supervisors trigger an
	// early heartbeat flush.
	//
	// If unset or zero, default batch size of 100 is used.
	HeartbeatBatchSize int

	// EnvVarResolver supplies the environment variables handed to run
	// attempts. Optional.
	EnvVarResolver func(ctx context.Context, orgID, envID string) (map[string]string, error)

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// ShutdownTimeout specifies the duration to wait for in-flight worker
	// API requests and heartbeat flushes when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("fairrun: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("fairrun: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("fairrun: unexpected log level: %v", l))
}

const (
	defaultSweeperScanInterval    = 1 * time.Minute
	defaultSweeperProcessInterval = 5 * time.Second
	defaultSweeperBatchSize       = 100
	defaultShutdownTimeout        = 8 * time.Second
	defaultHealthCheckInterval    = 15 * time.Second
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("fairrun: unsupported RedisConnOpt type %T", r))
	}
	server := NewServerFromRedisClient(redisClient, cfg)
	server.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	shardCount := cfg.ShardCount
	if shardCount < 1 {
		shardCount = base.DefaultShardCount
	}
	sweeperScanInterval := cfg.SweeperScanInterval
	if sweeperScanInterval == 0 {
		sweeperScanInterval = defaultSweeperScanInterval
	}
	sweeperProcessInterval := cfg.SweeperProcessInterval
	if sweeperProcessInterval == 0 {
		sweeperProcessInterval = defaultSweeperProcessInterval
	}
	sweeperBatchSize := cfg.SweeperBatchSize
	if sweeperBatchSize == 0 {
		sweeperBatchSize = defaultSweeperBatchSize
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	rdb := rdb.NewRDB(c, shardCount)
	srvState := &serverState{value: srvStateNew}

	sweeper := newSweeper(sweeperParams{
		logger:                logger,
		broker:                rdb,
		oracle:                cfg.CompletedRunOracle,
		scanInterval:          sweeperScanInterval,
		processMarkedInterval: sweeperProcessInterval,
		batchSize:             sweeperBatchSize,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          rdb,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	api := NewWorkerAPI(rdb, logger, WorkerAPIConfig{
		WorkerGroup:            cfg.WorkerGroup,
		AuthToken:              cfg.AuthToken,
		HeartbeatFlushInterval: cfg.HeartbeatFlushInterval,
		HeartbeatBatchSize:     cfg.HeartbeatBatchSize,
		EnvVarResolver:         cfg.EnvVarResolver,
	})

	var httpServer *http.Server
	if cfg.ListenAddr != "" {
		httpServer = &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.Handler(),
		}
	}
	return &Server{
		logger:           logger,
		broker:           rdb,
		sharedConnection: true,
		state:            srvState,
		api:              api,
		httpServer:       httpServer,
		sweeper:          sweeper,
		healthchecker:    healthchecker,
		shutdownTimeout:  shutdownTimeout,
	}
}

// Handler returns the worker protocol handler for mounting on an external
// HTTP server. Useful when ListenAddr is unset.
func (srv *Server) Handler() http.Handler {
	return srv.api.Handler()
}

// CancelRun notifies subscribed workers that the given run should be canceled.
func (srv *Server) CancelRun(runID string) {
	srv.api.NotifyRun(runID, RunNotifyCancel)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("fairrun: Server closed")

// Run starts the scheduler and blocks until an os signal to exit the program
// is received. Once it receives a signal, it gracefully shuts down all
// background goroutines and the worker API listener.
func (srv *Server) Run() error {
	if err := srv.Start(); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the scheduler: the sweeper and healthchecker loops, and the
// worker API listener when ListenAddr is configured.
func (srv *Server) Start() error {
	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting scheduler")

	srv.healthchecker.start(&srv.wg)
	srv.sweeper.start(&srv.wg)
	if srv.httpServer != nil {
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.logger.Infof("Worker API listening on %s", srv.httpServer.Addr)
			if err := srv.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Errorf("Worker API server error: %v", err)
			}
		}()
	}
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("fairrun: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("fairrun: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), srv.shutdownTimeout)
	defer cancel()
	if srv.httpServer != nil {
		if err := srv.httpServer.Shutdown(ctx); err != nil {
			srv.logger.Errorf("Worker API shutdown error: %v", err)
		}
	}
	if err := srv.api.Close(ctx); err != nil {
		srv.logger.Errorf("Heartbeat flush shutdown error: %v", err)
	}
	srv.sweeper.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop leasing new runs to workers. Heartbeats and
// completion reports for in-flight runs continue to be served until Shutdown.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.api.PauseLeasing()
	srv.logger.Info("Stopped leasing new runs")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
