package jobs

import (
	"context"
	"log"
	"time"
)

// QueryLogPruner deletes query log rows older than a cutoff.
type QueryLogPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionProcessor prunes aged query log rows on each worker tick.
type RetentionProcessor struct {
	pruner    QueryLogPruner
	retention time.Duration
}

func NewRetentionProcessor(pruner QueryLogPruner, retention time.Duration) *RetentionProcessor {
	return &RetentionProcessor{pruner: pruner, retention: retention}
}

func (p *RetentionProcessor) ProcessJobs(ctx context.Context) error {
	deleted, err := p.pruner.DeleteOlderThan(ctx, time.Now().Add(-p.retention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Printf("retention: pruned %d query log rows", deleted)
	}
	return nil
}
