// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package batch provides a generic time/size-windowed batching primitive with
// per-key deduplication, used to coalesce high-frequency write events before
// persistence.
package batch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fairrun/fairrun/internal/errors"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned by AddToBatch after Shutdown has been called.
var ErrShutdown = errors.New("batch: flush scheduler is shut down")

// Config specifies a FlushScheduler's windowing and flush behavior.
type Config[T any] struct {
	// BatchSize is the number of distinct keys that triggers an immediate
	// flush. Defaults to 100.
	BatchSize int

	// FlushInterval is the longest an accepted item waits before being
	// flushed. The window opens when the first item lands in an empty
	// buffer. Defaults to 1 second.
	FlushInterval time.Duration

	// MaxConcurrency bounds the number of flush callbacks running at once.
	// Excess flushes queue behind the gate. Defaults to 1.
	MaxConcurrency int

	// GetKey derives the dedup key for an item. Items reporting ok=false
	// are silently dropped; callers use this to filter malformed input.
	GetKey func(item T) (key string, ok bool)

	// ShouldReplace decides, when two items share a key, whether the
	// incoming item supersedes the buffered one. If nil, incoming always
	// wins.
	ShouldReplace func(existing, incoming T) bool

	// Callback receives each flushed batch. The scheduler does not retry a
	// failed flush; re-buffering failed items is the callback's decision.
	Callback func(ctx context.Context, flushID string, batch map[string]T)
}

// FlushScheduler accumulates items keyed by a caller-supplied dedup key and
// flushes them as a group when a size threshold or time window is reached.
//
// The buffer is owned exclusively by the accumulator goroutine; callers
// communicate with it only through channels, and flush callbacks read a
// snapshot, never the live map.
type FlushScheduler[T any] struct {
	cfg Config[T]

	addCh chan []T
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	sem *semaphore.Weighted
}

// NewFlushScheduler creates a FlushScheduler and starts its accumulator
// goroutine. Callers must eventually call Shutdown.
func NewFlushScheduler[T any](cfg Config[T]) *FlushScheduler[T] {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.GetKey == nil {
		panic("batch: Config.GetKey is required")
	}
	if cfg.Callback == nil {
		panic("batch: Config.Callback is required")
	}
	s := &FlushScheduler[T]{
		cfg:   cfg,
		addCh: make(chan []T),
		done:  make(chan struct{}),
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
	s.wg.Add(1)
	go s.accumulate()
	return s
}

// AddToBatch submits items to the scheduler. It blocks until the accumulator
// accepts them and returns ErrShutdown after Shutdown.
func (s *FlushScheduler[T]) AddToBatch(items ...T) error {
	if len(items) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return ErrShutdown
	case s.addCh <- items:
		return nil
	}
}

// Shutdown stops accepting items, flushes the remaining buffer and waits for
// all in-flight flush callbacks to drain or ctx to expire.
func (s *FlushScheduler[T]) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	// Acquiring the full semaphore weight proves every callback returned.
	if err := s.sem.Acquire(ctx, int64(s.cfg.MaxConcurrency)); err != nil {
		return err
	}
	s.sem.Release(int64(s.cfg.MaxConcurrency))
	return nil
}

func (s *FlushScheduler[T]) accumulate() {
	defer s.wg.Done()
	buf := make(map[string]T)
	timer := time.NewTimer(s.cfg.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	flush := func() {
		if len(buf) == 0 {
			return
		}
		snapshot := buf
		buf = make(map[string]T)
		if timerActive {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerActive = false
		}
		s.dispatch(snapshot)
	}

	for {
		select {
		case <-s.done:
			flush()
			return
		case <-timer.C:
			timerActive = false
			flush()
		case items := <-s.addCh:
			for _, item := range items {
				key, ok := s.cfg.GetKey(item)
				if !ok {
					continue
				}
				existing, found := buf[key]
				if found && s.cfg.ShouldReplace != nil && !s.cfg.ShouldReplace(existing, item) {
					continue
				}
				buf[key] = item
				if !found && len(buf) == 1 && !timerActive {
					timer.Reset(s.cfg.FlushInterval)
					timerActive = true
				}
				if len(buf) >= s.cfg.BatchSize {
					flush()
				}
			}
		}
	}
}

// dispatch runs the callback for one snapshot under the concurrency gate.
func (s *FlushScheduler[T]) dispatch(snapshot map[string]T) {
	// Background context: shutdown drains in-flight flushes rather than
	// cancelling them.
	ctx := context.Background()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	flushID := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.cfg.Callback(ctx, flushID, snapshot)
	}()
}

// Jitter returns a duration in [d - d*pct, d + d*pct], used by callers that
// want to spread periodic flush-driven load.
func Jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	delta := float64(d) * pct
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
