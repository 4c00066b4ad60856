package utils

import (
	"hash/fnv"
	"sync"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// KeyedWorkerPool runs jobs on a fixed set of workers, routing every job for
// the same key to the same worker. Jobs sharing a key therefore execute in
// submission order; jobs with different keys run in parallel.
type KeyedWorkerPool struct {
	queues    []chan Job
	waitGroup sync.WaitGroup
}

// NewKeyedWorkerPool creates a pool with the specified number of workers.
func NewKeyedWorkerPool(workers int) *KeyedWorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &KeyedWorkerPool{
		queues: make([]chan Job, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		pool.queues[i] = make(chan Job, 64)
		go pool.worker(pool.queues[i])
	}

	return pool
}

// worker processes jobs from its own queue.
func (wp *KeyedWorkerPool) worker(queue chan Job) {
	defer wp.waitGroup.Done()
	for job := range queue {
		job.Task()
	}
}

// Submit routes a job to the worker owning the key.
func (wp *KeyedWorkerPool) Submit(key string, task func()) {
	h := fnv.New32a()
	h.Write([]byte(key))
	wp.queues[int(h.Sum32())%len(wp.queues)] <- Job{Task: task}
}

// Shutdown closes all queues and waits for in-flight jobs to finish.
func (wp *KeyedWorkerPool) Shutdown() {
	for _, queue := range wp.queues {
		close(queue)
	}
	wp.waitGroup.Wait()
}
