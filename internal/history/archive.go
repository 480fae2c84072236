package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ArchiveResult reports one archival pass.
type ArchiveResult struct {
	Cutoff       time.Time `json:"cutoff"`
	Interactions int       `json:"interactions"`
	Reports      int       `json:"reports"`
	Errors       []string  `json:"errors,omitempty"`
}

// ArchiveOldHistory deletes interactions and reports older than the
// retention period. The two deletions are independent: one failing does not
// skip the other.
func (a *Analyzer) ArchiveOldHistory(ctx context.Context) (res *ArchiveResult) {
	res = &ArchiveResult{Cutoff: a.now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)}
	defer a.recoverInto(ctx, TaskArchiveHistory, &res.Errors)

	if n, err := a.store.DeleteInteractionsBefore(ctx, res.Cutoff); err != nil {
		a.fail(ctx, TaskArchiveHistory, &res.Errors, fmt.Errorf("delete interactions: %w", err))
	} else {
		res.Interactions = n
		a.metrics.archived.WithLabelValues("interaction").Add(float64(n))
	}

	if n, err := a.store.DeleteReportsBefore(ctx, res.Cutoff); err != nil {
		a.fail(ctx, TaskArchiveHistory, &res.Errors, fmt.Errorf("delete reports: %w", err))
	} else {
		res.Reports = n
		a.metrics.archived.WithLabelValues("report").Add(float64(n))
	}

	a.logger.Info(ctx, "history archived",
		zap.Time("cutoff", res.Cutoff),
		zap.Int("interactions", res.Interactions),
		zap.Int("reports", res.Reports),
	)
	return res
}
