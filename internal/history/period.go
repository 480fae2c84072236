package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

// Report sections accepted as focus by AnalyzePeriod.
const (
	FocusGrowth      = "growth"
	FocusPatterns    = "patterns"
	FocusBehavior    = "behavior"
	FocusPerformance = "performance"

	reportKindPeriod = "period"
	day              = 24 * time.Hour
)

// GrowthMetrics describes how the knowledge base grew in a period.
type GrowthMetrics struct {
	NewItems       int            `json:"new_items"`
	ByStatus       map[string]int `json:"by_status,omitempty"`
	ByType         map[string]int `json:"by_type,omitempty"`
	MeanConfidence float64        `json:"mean_confidence"`
	Daily          []float64      `json:"daily"`
	Trends         Trends         `json:"trends"`
}

// PatternMetrics describes the patterns seen in a period.
type PatternMetrics struct {
	Seen            int            `json:"seen"`
	ByStatus        map[string]int `json:"by_status,omitempty"`
	MeanSuccessRate float64        `json:"mean_success_rate"`
}

// BehaviorMetrics describes user activity in a period.
type BehaviorMetrics struct {
	Interactions int            `json:"interactions"`
	Users        int            `json:"users"`
	ByType       map[string]int `json:"by_type,omitempty"`
	PeakHour     int            `json:"peak_hour"`
	Daily        []float64      `json:"daily"`
	Trends       Trends         `json:"trends"`
}

// PerformanceMetrics describes interaction outcomes in a period. Rates are
// percentages; days without interactions are left out of the daily series.
type PerformanceMetrics struct {
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	SuccessRate float64   `json:"success_rate"`
	Daily       []float64 `json:"daily"`
	Trends      Trends    `json:"trends"`
}

// PeriodReport is the result of AnalyzePeriod.
type PeriodReport struct {
	ID          string              `json:"id"`
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Focus       []string            `json:"focus"`
	Growth      *GrowthMetrics      `json:"growth,omitempty"`
	Patterns    *PatternMetrics     `json:"patterns,omitempty"`
	Behavior    *BehaviorMetrics    `json:"behavior,omitempty"`
	Performance *PerformanceMetrics `json:"performance,omitempty"`
	Insights    []string            `json:"insights,omitempty"`
	Errors      []string            `json:"errors,omitempty"`
}

// AnalyzePeriod computes the requested report sections for [start, end)
// concurrently, runs trend detection over their daily series, derives
// insights and persists the report. An empty focus selects every section.
func (a *Analyzer) AnalyzePeriod(ctx context.Context, start, end time.Time, focus ...string) (rep *PeriodReport) {
	rep = &PeriodReport{ID: uuid.New().String(), Start: start.UTC(), End: end.UTC()}
	defer a.recoverInto(ctx, TaskAnalyzePeriod, &rep.Errors)

	if !end.After(start) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("invalid period: end %s is not after start %s", end, start))
		return rep
	}
	if len(focus) == 0 {
		focus = []string{FocusGrowth, FocusPatterns, FocusBehavior, FocusPerformance}
	}
	rep.Focus = focus

	var (
		mu           sync.Mutex
		interactions []*knowledge.Interaction
		loadOnce     sync.Once
		loadErr      error
	)
	loadInteractions := func() ([]*knowledge.Interaction, error) {
		loadOnce.Do(func() {
			interactions, loadErr = a.store.ListInteractions(ctx, knowledge.InteractionFilter{Since: start, Until: end})
		})
		return interactions, loadErr
	}

	var g errgroup.Group
	section := func(name string, fn func() error) {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
				if err != nil {
					mu.Lock()
					a.fail(ctx, "period "+name, &rep.Errors, err)
					mu.Unlock()
				}
			}()
			return fn()
		})
	}

	for _, f := range focus {
		switch f {
		case FocusGrowth:
			section(f, func() (err error) {
				rep.Growth, err = a.growth(ctx, start, end)
				return err
			})
		case FocusPatterns:
			section(f, func() (err error) {
				rep.Patterns, err = a.patternMetrics(ctx, start, end)
				return err
			})
		case FocusBehavior:
			section(f, func() error {
				in, err := loadInteractions()
				if err != nil {
					return fmt.Errorf("list interactions: %w", err)
				}
				rep.Behavior = behavior(in, start, end)
				return nil
			})
		case FocusPerformance:
			section(f, func() error {
				in, err := loadInteractions()
				if err != nil {
					return fmt.Errorf("list interactions: %w", err)
				}
				rep.Performance = performance(in, start, end)
				return nil
			})
		default:
			mu.Lock()
			rep.Errors = append(rep.Errors, fmt.Sprintf("unknown focus %q", f))
			mu.Unlock()
		}
	}
	// section errors are collected on the report
	_ = g.Wait()

	rep.Insights = insights(rep)
	a.saveReport(ctx, rep)
	return rep
}

func (a *Analyzer) saveReport(ctx context.Context, rep *PeriodReport) {
	body, err := json.Marshal(rep)
	if err != nil {
		a.fail(ctx, TaskAnalyzePeriod, &rep.Errors, fmt.Errorf("encode report: %w", err))
		return
	}
	stored := &knowledge.AnalysisReport{
		ID:          rep.ID,
		Kind:        reportKindPeriod,
		PeriodStart: rep.Start,
		PeriodEnd:   rep.End,
		Insights:    rep.Insights,
		Body:        body,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.store.SaveReport(ctx, stored); err != nil {
		a.fail(ctx, TaskAnalyzePeriod, &rep.Errors, fmt.Errorf("save report: %w", err))
		return
	}

	a.metrics.reports.WithLabelValues(reportKindPeriod).Inc()
	a.logger.Info(ctx, "period report generated",
		zap.String("report.id", rep.ID),
		zap.Time("start", rep.Start),
		zap.Time("end", rep.End),
		zap.Int("insights", len(rep.Insights)),
	)
	_ = agent.Publish(ctx, a.runtime, TopicReportGenerated, ReportGeneratedEvent{
		ReportID:    rep.ID,
		Kind:        reportKindPeriod,
		PeriodStart: rep.Start,
		PeriodEnd:   rep.End,
		Insights:    rep.Insights,
	})
}

func (a *Analyzer) growth(ctx context.Context, start, end time.Time) (*GrowthMetrics, error) {
	items, err := a.store.ListItems(ctx, knowledge.ItemFilter{
		CreatedAfter:  start.Add(-time.Nanosecond),
		CreatedBefore: end,
	})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	m := &GrowthMetrics{
		NewItems: len(items),
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
		Daily:    make([]float64, dayCount(start, end)),
	}
	sum := 0.0
	for _, it := range items {
		m.ByStatus[string(it.Status)]++
		if it.Type != "" {
			m.ByType[it.Type]++
		}
		sum += it.Confidence
		m.Daily[dayIndex(start, it.CreatedAt, len(m.Daily))]++
	}
	if len(items) > 0 {
		m.MeanConfidence = sum / float64(len(items))
	}
	m.Trends = DetectTrends(m.Daily, defaultWindow)
	return m, nil
}

func (a *Analyzer) patternMetrics(ctx context.Context, start, end time.Time) (*PatternMetrics, error) {
	patterns, err := a.store.ListPatterns(ctx, knowledge.PatternFilter{SeenAfter: start.Add(-time.Nanosecond)})
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	m := &PatternMetrics{ByStatus: make(map[string]int)}
	sum := 0.0
	for _, p := range patterns {
		if !p.FirstSeen.IsZero() && !p.FirstSeen.Before(end) {
			continue
		}
		m.Seen++
		m.ByStatus[string(p.Status)]++
		sum += p.SuccessRate
	}
	if m.Seen > 0 {
		m.MeanSuccessRate = sum / float64(m.Seen)
	}
	return m, nil
}

func behavior(interactions []*knowledge.Interaction, start, end time.Time) *BehaviorMetrics {
	m := &BehaviorMetrics{
		Interactions: len(interactions),
		ByType:       make(map[string]int),
		Daily:        make([]float64, dayCount(start, end)),
	}
	users := make(map[string]bool)
	hours := make(map[int]int)
	for _, in := range interactions {
		users[in.UserID] = true
		m.ByType[in.Type]++
		hours[in.CreatedAt.UTC().Hour()]++
		m.Daily[dayIndex(start, in.CreatedAt, len(m.Daily))]++
	}
	m.Users = len(users)
	if top := topHours(hours, 1); len(top) > 0 {
		m.PeakHour = top[0]
	}
	m.Trends = DetectTrends(m.Daily, defaultWindow)
	return m
}

func performance(interactions []*knowledge.Interaction, start, end time.Time) *PerformanceMetrics {
	n := dayCount(start, end)
	total := make([]int, n)
	wins := make([]int, n)

	m := &PerformanceMetrics{}
	for _, in := range interactions {
		i := dayIndex(start, in.CreatedAt, n)
		total[i]++
		if in.Outcome == knowledge.OutcomeSuccess {
			m.Successes++
			wins[i]++
		} else {
			m.Failures++
		}
	}
	if sum := m.Successes + m.Failures; sum > 0 {
		m.SuccessRate = 100 * float64(m.Successes) / float64(sum)
	}
	for i := range total {
		if total[i] > 0 {
			m.Daily = append(m.Daily, 100*float64(wins[i])/float64(total[i]))
		}
	}
	m.Trends = DetectTrends(m.Daily, defaultWindow)
	return m
}

func insights(rep *PeriodReport) []string {
	var out []string

	if g := rep.Growth; g != nil {
		switch {
		case g.NewItems == 0:
			out = append(out, "no new knowledge in period")
		case g.Trends.MovingAverage.Significant:
			out = append(out, fmt.Sprintf("knowledge intake trending %s (%+.0f%%)", g.Trends.MovingAverage.Direction, 100*g.Trends.MovingAverage.Change))
		}
		if rejected, validated := g.ByStatus[string(knowledge.StatusRejected)], g.ByStatus[string(knowledge.StatusValidated)]; rejected > validated {
			out = append(out, fmt.Sprintf("rejections outnumber validations (%d vs %d)", rejected, validated))
		}
	}

	if p := rep.Patterns; p != nil && p.Seen > 0 {
		retired := p.ByStatus[string(knowledge.PatternRetired)] + p.ByStatus[string(knowledge.PatternFailed)]
		if active := p.ByStatus[string(knowledge.PatternActive)]; retired > active {
			out = append(out, fmt.Sprintf("more patterns retired or failed than active (%d vs %d)", retired, active))
		}
	}

	if b := rep.Behavior; b != nil && b.Interactions > 0 {
		out = append(out, fmt.Sprintf("user activity peaks at %02d:00 UTC", b.PeakHour))
		if per := b.Trends.Periodicity; per != nil && per.Period == 7 {
			out = append(out, "user activity follows a weekly cycle")
		}
	}

	if perf := rep.Performance; perf != nil && perf.Successes+perf.Failures > 0 {
		if perf.SuccessRate < 50 {
			out = append(out, fmt.Sprintf("interaction success rate is low (%.0f%%)", perf.SuccessRate))
		}
		if perf.Trends.Direction() == DirectionDown {
			out = append(out, "interaction success rate is declining")
		}
	}
	return out
}

func dayCount(start, end time.Time) int {
	return max(1, int(math.Ceil(end.Sub(start).Hours()/24)))
}

func dayIndex(start, t time.Time, n int) int {
	i := int(t.Sub(start) / day)
	return min(max(i, 0), n-1)
}
