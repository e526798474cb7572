// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package fairrun

import (
	"context"
	"sync"
	"time"

	"github.com/fairrun/fairrun/internal/base"
	"github.com/fairrun/fairrun/internal/log"
)

// CompletedRunOracle reports which of the given run IDs are complete or no
// longer running. It is owned by the execution-tracking system outside this
// core and injected into the sweeper.
//
// Only run IDs the oracle positively confirms are ever removed from the
// concurrency ledger.
type CompletedRunOracle func(ctx context.Context, runIDs []string) (completed []string, err error)

// sweeper is responsible for reconciling the concurrency ledger against
// ground-truth run state. A crashed worker that never released its
// reservation leaves a phantom entry; the sweeper detects it via the oracle
// and releases it.
//
// Detection and correction run on separate intervals: the scan loop marks
// confirmed-complete entries into a redis set, and a faster process loop
// drains that set and releases each entry.
type sweeper struct {
	logger *log.Logger
	broker base.Broker
	oracle CompletedRunOracle

	// channel to communicate back to the long running "sweeper" goroutines.
	done chan struct{}

	// interval between ledger scans.
	scanInterval time.Duration

	// interval between drains of the marked-for-removal set.
	processMarkedInterval time.Duration

	// number of marked entries to release in a single drain.
	batchSize int
}

type sweeperParams struct {
	logger                *log.Logger
	broker                base.Broker
	oracle                CompletedRunOracle
	scanInterval          time.Duration
	processMarkedInterval time.Duration
	batchSize             int
}

func newSweeper(params sweeperParams) *sweeper {
	return &sweeper{
		logger:                params.logger,
		broker:                params.broker,
		oracle:                params.oracle,
		done:                  make(chan struct{}),
		scanInterval:          params.scanInterval,
		processMarkedInterval: params.processMarkedInterval,
		batchSize:             params.batchSize,
	}
}

func (s *sweeper) shutdown() {
	s.logger.Debug("Sweeper shutting down...")
	// Signal the sweeper goroutines to stop.
	close(s.done)
}

func (s *sweeper) start(wg *sync.WaitGroup) {
	if s.oracle == nil {
		// Without an oracle the ledger stays correct but lost release
		// calls are never recovered.
		s.logger.Warn("Sweeper disabled: no completed-run oracle configured")
		return
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(s.scanInterval)
		for {
			select {
			case <-s.done:
				s.logger.Debug("Sweeper scan done")
				timer.Stop()
				return
			case <-timer.C:
				s.scan()
				timer.Reset(s.scanInterval)
			}
		}
	}()
	go func() {
		defer wg.Done()
		timer := time.NewTimer(s.processMarkedInterval)
		for {
			select {
			case <-s.done:
				s.logger.Debug("Sweeper process done")
				timer.Stop()
				return
			case <-timer.C:
				s.processMarked()
				timer.Reset(s.processMarkedInterval)
			}
		}
	}()
}

// scan walks every queue's concurrency set and marks entries the oracle
// confirms complete.
func (s *sweeper) scan() {
	ctx := context.Background()
	queueKeys, err := s.broker.ListQueueKeys(ctx)
	if err != nil {
		s.logger.Errorf("Sweeper failed to list queues: %v", err)
		return
	}
	for _, queueKey := range queueKeys {
		q, err := base.ParseQueueKey(queueKey)
		if err != nil {
			s.logger.Errorf("Sweeper skipping unparsable queue key %q: %v", queueKey, err)
			continue
		}
		runIDs, err := s.broker.LeasedRunIDs(ctx, q)
		if err != nil {
			s.logger.Errorf("Sweeper failed to read concurrency set for queue %q: %v", queueKey, err)
			continue
		}
		if len(runIDs) == 0 {
			continue
		}
		completed, err := s.oracle(ctx, runIDs)
		if err != nil {
			s.logger.Errorf("Sweeper oracle error for queue %q: %v", queueKey, err)
			continue
		}
		if len(completed) == 0 {
			continue
		}
		members := make([]string, 0, len(completed))
		for _, runID := range completed {
			members = append(members, base.SweeperMarkedMember(queueKey, runID))
		}
		if err := s.broker.MarkCompleted(ctx, members); err != nil {
			s.logger.Errorf("Sweeper failed to mark completed runs for queue %q: %v", queueKey, err)
		}
	}
}

// processMarked drains a batch of marked entries and releases each one.
func (s *sweeper) processMarked() {
	ctx := context.Background()
	members, err := s.broker.PopMarked(ctx, s.batchSize)
	if err != nil {
		s.logger.Errorf("Sweeper failed to pop marked entries: %v", err)
		return
	}
	for _, member := range members {
		queueKey, runID, err := base.ParseSweeperMarkedMember(member)
		if err != nil {
			s.logger.Errorf("Sweeper skipping malformed marked entry %q: %v", member, err)
			continue
		}
		q, err := base.ParseQueueKey(queueKey)
		if err != nil {
			s.logger.Errorf("Sweeper skipping marked entry with unparsable queue key %q: %v", queueKey, err)
			continue
		}
		if err := s.broker.Release(ctx, q, runID); err != nil {
			s.logger.Errorf("Sweeper failed to release run %q in queue %q: %v", runID, queueKey, err)
		}
	}
}
