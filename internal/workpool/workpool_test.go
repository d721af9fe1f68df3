package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), New(0).Workers())
	assert.Equal(t, 3, New(3).Workers())
}

func TestRun_ResultsInInputOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	results, err := Run(context.Background(), New(2), items,
		func(n int) string { return fmt.Sprintf("k%d", n) },
		func(_ context.Context, n int) (int, error) {
			time.Sleep(time.Duration(n) * time.Millisecond)
			return n * n, nil
		})
	require.NoError(t, err)
	require.Len(t, results, len(items))
	for i, n := range items {
		assert.Equal(t, fmt.Sprintf("k%d", n), results[i].Key)
		assert.Equal(t, n*n, results[i].Value)
		assert.NoError(t, results[i].Err)
	}
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	results, err := Run(context.Background(), New(4), []int{1, 2, 3, 4},
		func(n int) int { return n },
		func(_ context.Context, n int) (string, error) {
			if n%2 == 0 {
				return "", boom
			}
			return "ok", nil
		})
	require.NoError(t, err)

	byKey := Index(results)
	assert.Equal(t, "ok", byKey[1].Value)
	assert.ErrorIs(t, byKey[2].Err, boom)
	assert.Equal(t, "ok", byKey[3].Value)
	assert.ErrorIs(t, byKey[4].Err, boom)
}

func TestRun_RespectsLimit(t *testing.T) {
	var running, peak atomic.Int32
	items := make([]int, 20)
	_, err := Run(context.Background(), New(3), items,
		func(n int) int { return n },
		func(_ context.Context, _ int) (struct{}, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	results, err := Run(ctx, New(2), []int{1, 2, 3},
		func(n int) int { return n },
		func(_ context.Context, _ int) (int, error) {
			calls.Add(1)
			return 0, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}
