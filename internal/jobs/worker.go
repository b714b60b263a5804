// Package jobs runs periodic maintenance for the query service, currently
// query-log retention. Processors are polled on a fixed interval; a failing
// run is logged and retried on the next tick.
package jobs

import (
	"context"
	"log"
	"time"
)

// JobProcessor is one unit of periodic maintenance work.
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker polls a processor on a fixed interval until stopped.
type Worker struct {
	processor    JobProcessor
	pollInterval time.Duration
	stopChan     chan struct{}
	doneChan     chan struct{}
}

func NewWorker(processor JobProcessor, pollInterval time.Duration) *Worker {
	return &Worker{
		processor:    processor,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start runs the polling loop until the context is canceled or Stop is
// called. Processor errors never end the loop.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer close(w.doneChan)

	log.Printf("jobs: worker started, poll interval %v", w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("jobs: worker stopped, context canceled")
			return
		case <-w.stopChan:
			log.Printf("jobs: worker stopped")
			return
		case <-ticker.C:
			if err := w.processor.ProcessJobs(ctx); err != nil {
				log.Printf("jobs: run failed: %v", err)
			}
		}
	}
}

// Stop signals the loop and waits for the in-flight run, if any, to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}
