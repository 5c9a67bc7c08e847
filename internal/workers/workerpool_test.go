package workers

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEveryAcceptedJob(t *testing.T) {
	req := require.New(t)

	pool := NewWorkerPool(4, 64)
	defer pool.Stop()

	var ran atomic.Int64
	for i := 0; i < 32; i++ {
		req.True(pool.AddJob(func() { ran.Add(1) }))
	}
	pool.Wait()

	req.Equal(int64(32), ran.Load())
}

func TestWorkerPoolDropsJobsWhenFull(t *testing.T) {
	req := require.New(t)

	block := make(chan struct{})
	started := make(chan struct{})
	pool := NewWorkerPool(1, 1)

	// Given a worker stuck on a job and a full queue
	req.True(pool.AddJob(func() {
		close(started)
		<-block
	}))
	<-started
	req.True(pool.AddJob(func() {}))

	// When another job arrives
	accepted := pool.AddJob(func() {})

	// Then it is dropped instead of blocking the caller
	req.False(accepted)

	close(block)
	pool.Stop()
}
