// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	ID      string
	Version int
}

type capture struct {
	mu      sync.Mutex
	batches []map[string]event
}

func (c *capture) callback(ctx context.Context, flushID string, batch map[string]event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *capture) all() []map[string]event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]event, len(c.batches))
	copy(out, c.batches)
	return out
}

func eventKey(e event) (string, bool) {
	if e.ID == "" {
		return "", false
	}
	return e.ID, true
}

func TestFlushOnBatchSize(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     2,
		FlushInterval: time.Hour, // never fires in this test
		GetKey:        eventKey,
		Callback:      got.callback,
	})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.AddToBatch(event{ID: "a"}, event{ID: "b"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	batch := got.all()[0]
	assert.Len(t, batch, 2)
	assert.Contains(t, batch, "a")
	assert.Contains(t, batch, "b")
}

func TestFlushOnInterval(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		GetKey:        eventKey,
		Callback:      got.callback,
	})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.AddToBatch(event{ID: "a"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, got.all()[0], 1)
}

func TestDedupLastWriterWins(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		GetKey:        eventKey,
		Callback:      got.callback,
	})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.AddToBatch(event{ID: "a", Version: 1}))
	require.NoError(t, s.AddToBatch(event{ID: "a", Version: 2}))
	require.NoError(t, s.AddToBatch(event{ID: "b", Version: 1}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	batch := got.all()[0]
	require.Len(t, batch, 2)
	assert.Equal(t, 2, batch["a"].Version, "later item for the same key supersedes")
	assert.Equal(t, 1, batch["b"].Version)
}

func TestShouldReplaceKeepsNewest(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		GetKey:        eventKey,
		ShouldReplace: func(existing, incoming event) bool {
			return incoming.Version >= existing.Version
		},
		Callback: got.callback,
	})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.AddToBatch(event{ID: "a", Version: 5}))
	// A stale update must not clobber the buffered newer one.
	require.NoError(t, s.AddToBatch(event{ID: "a", Version: 3}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, got.all()[0]["a"].Version)
}

func TestInvalidKeyDropped(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		GetKey:        eventKey,
		Callback:      got.callback,
	})
	defer s.Shutdown(context.Background())

	require.NoError(t, s.AddToBatch(event{ID: ""}, event{ID: "a"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	batch := got.all()[0]
	assert.Len(t, batch, 1)
	assert.Contains(t, batch, "a")
}

func TestShutdownFlushesRemainder(t *testing.T) {
	var got capture
	s := NewFlushScheduler(Config[event]{
		BatchSize:     100,
		FlushInterval: time.Hour,
		GetKey:        eventKey,
		Callback:      got.callback,
	})

	require.NoError(t, s.AddToBatch(event{ID: "a"}))
	require.NoError(t, s.Shutdown(context.Background()))

	require.Equal(t, 1, got.count(), "shutdown drains the buffered remainder")
	assert.Contains(t, got.all()[0], "a")

	err := s.AddToBatch(event{ID: "b"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownIdempotent(t *testing.T) {
	s := NewFlushScheduler(Config[event]{
		GetKey:   eventKey,
		Callback: func(context.Context, string, map[string]event) {},
	})
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownConcurrent(t *testing.T) {
	s := NewFlushScheduler(Config[event]{
		GetKey:   eventKey,
		Callback: func(context.Context, string, map[string]event) {},
	})
	require.NoError(t, s.AddToBatch(event{ID: "a"}))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestMaxConcurrencyBoundsCallbacks(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	s := NewFlushScheduler(Config[event]{
		BatchSize:      1,
		FlushInterval:  time.Hour,
		MaxConcurrency: 2,
		GetKey:         eventKey,
		Callback: func(ctx context.Context, flushID string, batch map[string]event) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		},
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddToBatch(event{ID: string(rune('a' + i))}))
	}
	require.NoError(t, s.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2, "no more than MaxConcurrency callbacks at once")
	assert.Greater(t, maxSeen, 0)
}

func TestDistinctFlushIDs(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	s := NewFlushScheduler(Config[event]{
		BatchSize:     1,
		FlushInterval: time.Hour,
		GetKey:        eventKey,
		Callback: func(ctx context.Context, flushID string, batch map[string]event) {
			mu.Lock()
			ids = append(ids, flushID)
			mu.Unlock()
		},
	})

	require.NoError(t, s.AddToBatch(event{ID: "a"}))
	require.NoError(t, s.AddToBatch(event{ID: "b"}))
	require.NoError(t, s.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestJitter(t *testing.T) {
	d := time.Second
	assert.Equal(t, d, Jitter(d, 0))
	for i := 0; i < 100; i++ {
		j := Jitter(d, 0.1)
		assert.GreaterOrEqual(t, j, 900*time.Millisecond)
		assert.LessOrEqual(t, j, 1100*time.Millisecond)
	}
}
