package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

// EvolutionWindows are the lookback windows, in days, of every snapshot.
var EvolutionWindows = []int{1, 7, 30, 90, 365}

const (
	significantCountChange      = 0.2
	significantConfidenceChange = 0.1
)

// WindowStats summarizes the items created within one lookback window.
type WindowStats struct {
	Days           int     `json:"days"`
	NewItems       int     `json:"new_items"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// WindowChange compares a window with the same window of the previous
// snapshot.
type WindowChange struct {
	Days            int     `json:"days"`
	CountDelta      int     `json:"count_delta"`
	CountChange     float64 `json:"count_change"`
	ConfidenceDelta float64 `json:"confidence_delta"`
	Significant     bool    `json:"significant"`
}

// EvolutionSnapshot is one entry of the evolution timeline.
type EvolutionSnapshot struct {
	At      time.Time      `json:"at"`
	Windows []WindowStats  `json:"windows"`
	Changes []WindowChange `json:"changes,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// Significant reports whether any window moved significantly.
func (s *EvolutionSnapshot) Significant() bool {
	for _, c := range s.Changes {
		if c.Significant {
			return true
		}
	}
	return false
}

// TrackKnowledgeEvolution snapshots every lookback window, diffs it with the
// previous snapshot and appends it to the timeline. Windows whose query
// fails are left out of the snapshot.
func (a *Analyzer) TrackKnowledgeEvolution(ctx context.Context) (snap *EvolutionSnapshot) {
	now := a.now().UTC()
	snap = &EvolutionSnapshot{At: now}
	defer a.recoverInto(ctx, TaskTrackEvolution, &snap.Errors)

	for _, days := range EvolutionWindows {
		items, err := a.store.ListItems(ctx, knowledge.ItemFilter{
			CreatedAfter: now.AddDate(0, 0, -days),
		})
		if err != nil {
			a.fail(ctx, TaskTrackEvolution, &snap.Errors, fmt.Errorf("window %dd: %w", days, err))
			continue
		}

		w := WindowStats{Days: days, NewItems: len(items)}
		if len(items) > 0 {
			sum := 0.0
			for _, it := range items {
				sum += it.Confidence
			}
			w.MeanConfidence = sum / float64(len(items))
		}
		snap.Windows = append(snap.Windows, w)
	}

	a.mu.Lock()
	if n := len(a.timeline); n > 0 {
		snap.Changes = diffWindows(a.timeline[n-1].Windows, snap.Windows)
	}
	a.timeline = append(a.timeline, *snap)
	if len(a.timeline) > a.cfg.TimelineCap {
		a.timeline = append([]EvolutionSnapshot(nil), a.timeline[len(a.timeline)-a.cfg.TimelineTrim:]...)
	}
	size := len(a.timeline)
	a.mu.Unlock()

	a.metrics.timeline.Set(float64(size))
	if snap.Significant() {
		a.logger.Info(ctx, "significant knowledge change",
			zap.Any("changes", snap.Changes),
		)
	}
	return snap
}

func diffWindows(prev, cur []WindowStats) []WindowChange {
	byDays := make(map[int]WindowStats, len(prev))
	for _, w := range prev {
		byDays[w.Days] = w
	}

	var changes []WindowChange
	for _, w := range cur {
		p, ok := byDays[w.Days]
		if !ok {
			continue
		}
		c := WindowChange{
			Days:            w.Days,
			CountDelta:      w.NewItems - p.NewItems,
			ConfidenceDelta: w.MeanConfidence - p.MeanConfidence,
		}
		switch {
		case p.NewItems > 0:
			c.CountChange = float64(c.CountDelta) / float64(p.NewItems)
		case w.NewItems > 0:
			c.CountChange = 1
		}
		c.Significant = math.Abs(c.CountChange) > significantCountChange ||
			math.Abs(c.ConfidenceDelta) > significantConfidenceChange
		changes = append(changes, c)
	}
	return changes
}
