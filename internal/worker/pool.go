package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"email-extraction-service/internal/service"
)

type Pool struct {
	queue     service.Queue
	processor *Processor
	workers   int
	poll      time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int, poll time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Pool{queue: queue, processor: processor, workers: workers, poll: poll}
}

// Run starts the fixed worker set and blocks until ctx is cancelled and
// every worker has drained its current job.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker pool started: workers=%d poll=%s", p.workers, p.poll)

	hostname, _ := os.Hostname()
	pid := os.Getpid()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runWorker(ctx, service.WorkerOwner(hostname, pid, n))
		}(i + 1)
	}
	wg.Wait()
	log.Println("worker pool stopped")
}

// runWorker is one independent claim loop: claim next pending job, process
// it, repeat; sleep one poll interval when the queue is empty.
func (p *Pool) runWorker(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, owner)
		if errors.Is(err, service.ErrNoJobs) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		if err != nil {
			log.Printf("[%s] claim error: %v", owner, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}

		if err := p.processor.Process(ctx, owner, job); err != nil {
			// the job record already carries the failure; this is for the operator
			log.Printf("[%s] job_id=%s process error: %v", owner, job.ID, err)
		}
	}
}
