// Package dispatcher fans queued import batches out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/worker"
)

// Dispatcher owns the queue and the workers draining it.
type Dispatcher struct {
	queue   monitor.Queue
	clock   monitor.Clock
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue monitor.Queue, clock monitor.Clock, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		clock:   clock,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit queues a stored import batch for the workers.
func (d *Dispatcher) Submit(ctx context.Context, imp monitor.Import) error {
	item := monitor.QueueItem{ImportID: imp.ID, Attempt: 1}
	if d.clock != nil {
		item.Submitted = d.clock.Now().Unix()
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue import %s: %w", imp.ID, err)
	}
	return nil
}
