package service

import (
	"context"
	"time"

	"github.com/lyzr/sitesync/common/logger"
)

// Pruner runs ChangeLogService.PruneAcknowledged on an interval until ctx ends
type Pruner struct {
	changes   *ChangeLogService
	interval  time.Duration
	retention time.Duration
	log       *logger.Logger
}

// NewPruner creates a background change log pruner
func NewPruner(changes *ChangeLogService, interval, retention time.Duration, log *logger.Logger) *Pruner {
	return &Pruner{changes: changes, interval: interval, retention: retention, log: log}
}

// Run blocks until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := p.changes.PruneAcknowledged(ctx, now.Add(-p.retention)); err != nil {
				p.log.Error("change log pruning failed", "error", err)
			}
		}
	}
}
