// Package dispatcher feeds asynchronously received webmention claims to the
// verification workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
	"github.com/JakeFAU/indieweb-listener/internal/worker"
)

// ErrIncompleteItem is returned for queue items that no worker could verify.
var ErrIncompleteItem = errors.New("queue item needs a job id, source and target")

// Dispatcher owns the claim queue and the workers draining it. Each worker
// runs one claim at a time through the recorder and stores the outcome on
// the claim's job.
type Dispatcher struct {
	queue   webmention.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue webmention.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned.
// Workers return when ctx ends or the queue is closed; claims still queued
// at that point keep their queued job status.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue hands a claim to the workers. It blocks while the queue is full
// until ctx ends.
func (d *Dispatcher) Enqueue(ctx context.Context, item webmention.QueueItem) error {
	if item.JobID == "" || item.Claim.Source == "" || item.Claim.Target == "" {
		return ErrIncompleteItem
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
