package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/textsim"
)

const (
	causesPerCluster  = 3
	preventableRepeat = 3
	lessonMinCluster  = 3
	maxLessons        = 5
	unknownCause      = "unknown"
)

// FailureCluster groups failures sharing an interaction type and source.
type FailureCluster struct {
	Key          string    `json:"key"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Count        int       `json:"count"`
	Share        float64   `json:"share"`
	CommonCauses []string  `json:"common_causes,omitempty"`
	FirstAt      time.Time `json:"first_at"`
	LastAt       time.Time `json:"last_at"`
}

// PreventableFailure is a cause that kept recurring within a cluster after
// it was first seen.
type PreventableFailure struct {
	Cluster string `json:"cluster"`
	Cause   string `json:"cause"`
	Count   int    `json:"count"`
}

// FailureAnalysis is the result of AnalyzeFailures.
type FailureAnalysis struct {
	Total        int                  `json:"total"`
	Clusters     []FailureCluster     `json:"clusters,omitempty"`
	CommonCauses []string             `json:"common_causes,omitempty"`
	Preventable  []PreventableFailure `json:"preventable,omitempty"`
	Lessons      []*knowledge.Lesson  `json:"lessons,omitempty"`
	Errors       []string             `json:"errors,omitempty"`
}

// AnalyzeFailures clusters failed interactions by (type, source), ranks the
// clusters by size, extracts common and preventable causes and persists the
// resulting lessons.
func (a *Analyzer) AnalyzeFailures(ctx context.Context, lookbackDays int) (res *FailureAnalysis) {
	res = &FailureAnalysis{}
	defer a.recoverInto(ctx, TaskAnalyzeFailures, &res.Errors)

	failures, err := a.store.ListInteractions(ctx, knowledge.InteractionFilter{
		Outcome: knowledge.OutcomeFailure,
		Since:   a.lookback(lookbackDays),
	})
	if err != nil {
		a.fail(ctx, TaskAnalyzeFailures, &res.Errors, fmt.Errorf("list failures: %w", err))
		return res
	}
	res.Total = len(failures)
	if res.Total == 0 {
		return res
	}

	clusters := make(map[string]*FailureCluster)
	clusterCauses := make(map[string]map[string]int)
	allCauses := make(map[string]int)

	for _, in := range failures {
		key := in.Type + "/" + in.Source
		c, ok := clusters[key]
		if !ok {
			c = &FailureCluster{Key: key, Type: in.Type, Source: in.Source, FirstAt: in.CreatedAt}
			clusters[key] = c
			clusterCauses[key] = make(map[string]int)
		}
		c.Count++
		c.LastAt = in.CreatedAt

		cause := normalizeCause(in.Error)
		clusterCauses[key][cause]++
		allCauses[cause]++
	}

	for key, c := range clusters {
		c.Share = float64(c.Count) / float64(res.Total)
		c.CommonCauses = topKeys(clusterCauses[key], causesPerCluster)
		res.Clusters = append(res.Clusters, *c)

		for cause, n := range clusterCauses[key] {
			if n >= preventableRepeat && cause != unknownCause {
				res.Preventable = append(res.Preventable, PreventableFailure{Cluster: key, Cause: cause, Count: n})
			}
		}
	}
	sort.Slice(res.Clusters, func(i, j int) bool {
		if res.Clusters[i].Count != res.Clusters[j].Count {
			return res.Clusters[i].Count > res.Clusters[j].Count
		}
		return res.Clusters[i].Key < res.Clusters[j].Key
	})
	sort.Slice(res.Preventable, func(i, j int) bool {
		if res.Preventable[i].Count != res.Preventable[j].Count {
			return res.Preventable[i].Count > res.Preventable[j].Count
		}
		return res.Preventable[i].Cluster+res.Preventable[i].Cause < res.Preventable[j].Cluster+res.Preventable[j].Cause
	})

	for cause, n := range allCauses {
		if n < 2 || cause == unknownCause {
			delete(allCauses, cause)
		}
	}
	res.CommonCauses = topKeys(allCauses, causesPerCluster)

	res.Lessons = a.deriveLessons(ctx, res)
	return res
}

func (a *Analyzer) deriveLessons(ctx context.Context, res *FailureAnalysis) []*knowledge.Lesson {
	now := a.now().UTC()
	var lessons []*knowledge.Lesson

	for _, c := range res.Clusters {
		if c.Count < lessonMinCluster || len(lessons) >= maxLessons {
			break
		}
		text := fmt.Sprintf("%d %s failures from %s (%.0f%% of failures)", c.Count, c.Type, sourceLabel(c.Source), 100*c.Share)
		if len(c.CommonCauses) > 0 && c.CommonCauses[0] != unknownCause {
			text += "; most common cause: " + c.CommonCauses[0]
		}
		lessons = append(lessons, &knowledge.Lesson{
			ID:          uuid.New().String(),
			Cluster:     c.Key,
			Text:        text,
			Occurrences: c.Count,
			CreatedAt:   now,
		})
	}
	for _, p := range res.Preventable {
		if len(lessons) >= maxLessons {
			break
		}
		lessons = append(lessons, &knowledge.Lesson{
			ID:          uuid.New().String(),
			Cluster:     p.Cluster,
			Text:        fmt.Sprintf("%q recurred %d times in %s and could have been caught after the first occurrence", p.Cause, p.Count, p.Cluster),
			Occurrences: p.Count,
			CreatedAt:   now,
		})
	}

	saved := lessons[:0]
	for _, l := range lessons {
		if err := a.store.SaveLesson(ctx, l); err != nil {
			a.fail(ctx, TaskAnalyzeFailures, &res.Errors, fmt.Errorf("save lesson: %w", err))
			continue
		}
		saved = append(saved, l)
	}
	return saved
}

// normalizeCause folds an error message so equal causes group together.
func normalizeCause(msg string) string {
	msg = textsim.Normalize(msg)
	if msg == "" {
		return unknownCause
	}
	return strings.TrimRight(msg, ".!")
}

func sourceLabel(source string) string {
	if source == "" {
		return "an unknown source"
	}
	return source
}
