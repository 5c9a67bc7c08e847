package workers

import (
	"sync"

	"github.com/lumora-im/relay/internal/logger"
	"go.uber.org/zap"
)

// WorkerPool runs background jobs, mainly push dispatch and archive
// writes, on a fixed set of goroutines.
type WorkerPool struct {
	jobCh    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking. A full queue drops the job and
// returns false; background work here is best effort.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		logger.Debug("Worker pool queue full, dropping job",
			zap.Int("capacity", cap(wp.jobCh)))
		return false
	}
}

// Wait blocks until all enqueued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop closes the job channel and waits for in-flight jobs to finish.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
