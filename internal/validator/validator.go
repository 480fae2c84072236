// Package validator implements the knowledge validator agent.
//
// Every submitted item runs through the same stages: basic requirements,
// duplicate detection, content policy and quality, source credibility,
// conflict detection and category resolution. The stages never
// short-circuit, so a rejected item still carries every issue found.
// The combined confidence decides whether the item is validated or
// rejected, and the outcome is persisted and announced on the bus.
package validator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
	"github.com/fyrsmithlabs/curator/internal/textsim"
)

const (
	AgentName = "validator"

	TaskValidate   = "validate_knowledge"
	TaskRevalidate = "revalidate"
)

// Result is the outcome of validating one item.
type Result struct {
	ItemID       string     `json:"item_id"`
	IsValid      bool       `json:"is_valid"`
	Confidence   float64    `json:"confidence"`
	Issues       []string   `json:"issues,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	IsDuplicate  bool       `json:"is_duplicate"`
	OriginalID   string     `json:"original_id,omitempty"`
	Similarity   float64    `json:"similarity,omitempty"`
	Harmful      bool       `json:"harmful"`
	Spam         bool       `json:"spam"`
	Quality      float64    `json:"quality"`
	SourceWeight float64    `json:"source_weight"`
	Conflicts    []Conflict `json:"conflicts,omitempty"`
	ValidatedAt  time.Time  `json:"validated_at"`

	// failed marks an internal error during validation.
	failed bool
}

// Stats are running counters since the validator was created.
type Stats struct {
	Validated       int64 `json:"validated"`
	Approved        int64 `json:"approved"`
	Rejected        int64 `json:"rejected"`
	Duplicates      int64 `json:"duplicates"`
	Conflicts       int64 `json:"conflicts"`
	Errors          int64 `json:"errors"`
	HashCacheSize   int   `json:"hash_cache_size"`
	ResultCacheSize int   `json:"result_cache_size"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithRules replaces the default content policy.
func WithRules(r Rules) Option {
	return func(v *Validator) {
		v.rawRules = r
	}
}

// WithSchedule sets when maintenance runs. Default every 30 minutes.
func WithSchedule(s agent.Schedule) Option {
	return func(v *Validator) {
		v.schedule = s
	}
}

// WithRuntimeOptions passes options through to the agent runtime.
func WithRuntimeOptions(opts ...agent.Option) Option {
	return func(v *Validator) {
		v.runtimeOpts = append(v.runtimeOpts, opts...)
	}
}

// Validator is the knowledge validator agent.
type Validator struct {
	repo    knowledge.ItemStore
	cfg     config.ValidationConfig
	logger  *logging.Logger
	metrics *collectors
	runtime *agent.Runtime

	rawRules    Rules
	rules       atomic.Pointer[compiledRules]
	leaks       *leakScanner
	schedule    agent.Schedule
	runtimeOpts []agent.Option

	// hashes maps content hash to the item that owns it.
	hashes  *expirable.LRU[string, hashOwner]
	results *expirable.LRU[string, *Result]

	// claims serializes duplicate lookup and hash ownership per content hash.
	claims [claimStripes]sync.Mutex

	// submitMu guards lastSubmit and the stored-ID check on submit.
	submitMu   sync.Mutex
	lastSubmit time.Time

	mu    sync.Mutex
	stats Stats
}

const claimStripes = 64

type hashOwner struct {
	id        string
	createdAt time.Time
}

func (o hashOwner) olderThan(item *knowledge.KnowledgeItem) bool {
	if !o.createdAt.Equal(item.CreatedAt) {
		return o.createdAt.Before(item.CreatedAt)
	}
	return o.id < item.ID
}

func (v *Validator) claimLock(hash string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return &v.claims[h.Sum32()%claimStripes]
}

// New creates a validator and its runtime. Zero config fields take defaults.
func New(repo knowledge.ItemStore, bus events.Bus, logger *logging.Logger, cfg config.ValidationConfig, opts ...Option) (*Validator, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	v := &Validator{
		repo:     repo,
		cfg:      withDefaults(cfg),
		logger:   logger.Named(AgentName),
		metrics:  promCollectors(),
		rawRules: DefaultRules(),
		schedule: agent.MustCron("*/30 * * * *"),
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.SetRules(v.rawRules); err != nil {
		return nil, err
	}

	var err error
	if v.leaks, err = newLeakScanner(); err != nil {
		return nil, err
	}

	ttl := v.cfg.CacheTTL.Duration()
	v.hashes = expirable.NewLRU[string, hashOwner](v.cfg.CacheSize, nil, ttl)
	v.results = expirable.NewLRU[string, *Result](v.cfg.CacheSize, nil, ttl)

	runtimeOpts := append([]agent.Option{
		agent.WithSchedule(v.schedule, func(ctx context.Context) error {
			_, err := v.Maintain(ctx)
			return err
		}),
	}, v.runtimeOpts...)

	v.runtime, err = agent.New(AgentName, v, bus, logger, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func withDefaults(cfg config.ValidationConfig) config.ValidationConfig {
	d := config.Default().Validation
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = d.MinConfidence
	}
	if cfg.DuplicateThreshold == 0 {
		cfg.DuplicateThreshold = d.DuplicateThreshold
	}
	if cfg.FuzzyCandidates == 0 {
		cfg.FuzzyCandidates = d.FuzzyCandidates
	}
	if cfg.FuzzyPrefix == 0 {
		cfg.FuzzyPrefix = d.FuzzyPrefix
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = d.CacheSize
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.RevalidateBatch == 0 {
		cfg.RevalidateBatch = d.RevalidateBatch
	}
	if cfg.RevalidateThreshold == 0 {
		cfg.RevalidateThreshold = d.RevalidateThreshold
	}
	return cfg
}

// Runtime exposes the agent runtime for health and status.
func (v *Validator) Runtime() *agent.Runtime {
	return v.runtime
}

// Start subscribes to submissions and starts the runtime.
func (v *Validator) Start(ctx context.Context) error {
	if err := agent.Subscribe(v.runtime, TopicSubmitted, v.onSubmitted); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicSubmitted.Name(), err)
	}
	return v.runtime.Start(ctx)
}

// Stop stops the runtime.
func (v *Validator) Stop(ctx context.Context) error {
	return v.runtime.Stop(ctx)
}

func (v *Validator) onSubmitted(ctx context.Context, e SubmittedEvent) error {
	item := e.Item
	_, err := v.Submit(ctx, &item)
	return err
}

// Submit stores item as a new pending record and queues it for validation.
// It returns the task ID. Lifecycle fields supplied by the caller are reset,
// and an ID that is empty or already stored is replaced with a fresh one.
func (v *Validator) Submit(ctx context.Context, item *knowledge.KnowledgeItem) (string, error) {
	if item == nil {
		return "", fmt.Errorf("%w: nil item", knowledge.ErrInvalidRecord)
	}
	if v.runtime.State() == agent.StateStopped {
		return "", fmt.Errorf("submit: %w", agent.ErrAgentStopped)
	}

	if err := v.saveSubmitted(ctx, item); err != nil {
		return "", err
	}

	taskID, err := v.runtime.Enqueue(agent.NewTask(TaskValidate, item.ID))
	if err != nil {
		v.abandon(ctx, item, err)
		return "", err
	}
	return taskID, nil
}

func (v *Validator) saveSubmitted(ctx context.Context, item *knowledge.KnowledgeItem) error {
	v.submitMu.Lock()
	defer v.submitMu.Unlock()

	if item.ID != "" {
		switch _, err := v.repo.GetItem(ctx, item.ID); {
		case err == nil:
			v.logger.Warn(ctx, "submitted id already stored, assigning a new one", zap.String("item.id", item.ID))
			item.ID = ""
		case !errors.Is(err, knowledge.ErrNotFound):
			return fmt.Errorf("check submitted id: %w", err)
		}
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	// CreatedAt orders submissions, so it never repeats.
	now := time.Now().UTC()
	if !now.After(v.lastSubmit) {
		now = v.lastSubmit.Add(time.Nanosecond)
	}
	v.lastSubmit = now

	item.Status = knowledge.StatusPending
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	item.ValidatedAt = nil
	item.Confidence = 0
	item.ValidationIssues = nil
	item.ContentHash = textsim.ContentHash(item.Content)

	if err := v.repo.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("save submitted item: %w", err)
	}
	return nil
}

// abandon rejects a stored submission that could not be queued. Its hash is
// cleared so a later resubmission is not taken for a duplicate.
func (v *Validator) abandon(ctx context.Context, item *knowledge.KnowledgeItem, cause error) {
	stale := item.Clone()
	stale.ContentHash = ""
	stale.ValidationIssues = []string{"not queued for validation: " + cause.Error()}

	err := stale.Transition(knowledge.StatusRejected)
	if err == nil {
		err = v.repo.SaveItem(ctx, stale)
	}
	if err != nil {
		v.logger.Error(ctx, "failed to withdraw unqueued submission",
			zap.String("item.id", item.ID),
			zap.Error(err),
		)
	}
}

// ExecuteTask runs validator tasks on behalf of the runtime.
func (v *Validator) ExecuteTask(ctx context.Context, task agent.Task) (any, error) {
	switch task.Type {
	case TaskValidate:
		item, err := v.payloadItem(ctx, task.Payload)
		if err != nil {
			return nil, err
		}
		return v.Validate(ctx, item), nil
	case TaskRevalidate:
		return v.Maintain(ctx)
	default:
		return nil, agent.Permanent(fmt.Errorf("%w: %s", agent.ErrUnknownTaskType, task.Type))
	}
}

func (v *Validator) payloadItem(ctx context.Context, payload any) (*knowledge.KnowledgeItem, error) {
	switch p := payload.(type) {
	case *knowledge.KnowledgeItem:
		if p == nil {
			return nil, agent.Permanent(fmt.Errorf("%w: nil item", knowledge.ErrInvalidRecord))
		}
		return p, nil
	case knowledge.KnowledgeItem:
		return &p, nil
	case string:
		item, err := v.repo.GetItem(ctx, p)
		if errors.Is(err, knowledge.ErrNotFound) {
			return nil, agent.Permanent(err)
		}
		return item, err
	default:
		return nil, agent.Permanent(fmt.Errorf("unsupported %s payload %T", TaskValidate, payload))
	}
}

// Evaluate runs every stage and returns the result. Nothing is persisted
// and no cache is written.
func (v *Validator) Evaluate(ctx context.Context, item *knowledge.KnowledgeItem) (res *Result) {
	if item == nil {
		return &Result{Issues: []string{"item is nil"}, failed: true}
	}

	res = &Result{ItemID: item.ID}
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error(ctx, "validation panicked",
				zap.String("item.id", item.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res = &Result{
				ItemID:      item.ID,
				Issues:      append(res.Issues, fmt.Sprintf("validation error: %v", p)),
				ValidatedAt: time.Now().UTC(),
				failed:      true,
			}
		}
	}()

	running := 1.0

	if issues := checkBasics(item); len(issues) > 0 {
		res.Issues = append(res.Issues, issues...)
		running *= basicPenalty
	}

	res.ContentHash = textsim.ContentHash(item.Content)
	switch dup, err := v.findDuplicate(ctx, item, res.ContentHash); {
	case err != nil:
		res.failed = true
		res.Issues = append(res.Issues, fmt.Sprintf("duplicate check failed: %v", err))
	case dup != nil:
		res.IsDuplicate = true
		res.OriginalID = dup.id
		res.Similarity = dup.similarity
		res.Issues = append(res.Issues, fmt.Sprintf("duplicate of %s (similarity %.2f)", dup.id, dup.similarity))
	}

	content := v.checkContent(item)
	if content.spam {
		res.Spam = true
		running *= spamPenalty
		res.Issues = append(res.Issues, "content matches spam patterns")
	}
	if content.harmful != "" {
		res.Harmful = true
		res.Issues = append(res.Issues, "harmful content: "+content.harmful)
	}
	res.Quality = content.quality
	running *= content.quality

	res.SourceWeight = SourceWeight(item.SourceType)
	running *= res.SourceWeight

	if conflicts, err := v.findConflicts(ctx, item); err != nil {
		res.failed = true
		res.Issues = append(res.Issues, fmt.Sprintf("conflict check failed: %v", err))
	} else {
		res.Conflicts = conflicts
	}

	if item.CategoryID != "" {
		if _, err := v.repo.GetCategory(ctx, item.CategoryID); errors.Is(err, knowledge.ErrNotFound) {
			res.Issues = append(res.Issues, fmt.Sprintf("unknown category %q", item.CategoryID))
		} else if err != nil {
			res.failed = true
			res.Issues = append(res.Issues, fmt.Sprintf("category lookup failed: %v", err))
		}
	}

	conf := running * math.Max(0, 1-0.1*float64(len(res.Issues)))
	if len(item.Keywords) >= 4 {
		conf *= 1.1
	}
	if len(item.Tags) >= 3 {
		conf *= 1.05
	}
	conf = clamp01(conf)
	if res.Harmful {
		conf = 0
	}

	res.Confidence = conf
	res.IsValid = conf >= v.cfg.MinConfidence && !res.Harmful && !res.IsDuplicate && !res.failed
	res.ValidatedAt = time.Now().UTC()
	return res
}

type duplicate struct {
	id         string
	similarity float64
}

// findDuplicate reports the item that owns hash when it is older than item,
// else the closest validated fuzzy match.
func (v *Validator) findDuplicate(ctx context.Context, item *knowledge.KnowledgeItem, hash string) (*duplicate, error) {
	if owner, ok := v.hashes.Get(hash); ok && owner.id != item.ID && owner.olderThan(item) {
		return &duplicate{id: owner.id, similarity: 1}, nil
	}

	existing, err := v.repo.FindItemByHash(ctx, hash)
	switch {
	case err == nil && existing.ID != item.ID && existing.OlderThan(item):
		return &duplicate{id: existing.ID, similarity: 1}, nil
	case err != nil && !errors.Is(err, knowledge.ErrNotFound):
		return nil, fmt.Errorf("lookup content hash: %w", err)
	}

	if strings.TrimSpace(item.Content) == "" {
		return nil, nil
	}

	candidates, err := v.repo.ListItems(ctx, knowledge.ItemFilter{
		Type:     item.Type,
		Statuses: []knowledge.ItemStatus{knowledge.StatusValidated},
		Limit:    v.cfg.FuzzyCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("list duplicate candidates: %w", err)
	}

	prefix := textsim.Prefix(textsim.Normalize(item.Content), v.cfg.FuzzyPrefix)
	var best *duplicate
	for _, c := range candidates {
		if c.ID == item.ID || !c.OlderThan(item) {
			continue
		}
		sim := textsim.Dice(prefix, textsim.Prefix(textsim.Normalize(c.Content), v.cfg.FuzzyPrefix))
		if sim >= v.cfg.DuplicateThreshold && (best == nil || sim > best.similarity) {
			best = &duplicate{id: c.ID, similarity: sim}
		}
	}
	return best, nil
}

// Validate evaluates item, persists the outcome and announces it. Items
// sharing content are settled one at a time, so the oldest always owns the
// hash and the rest are its duplicates.
func (v *Validator) Validate(ctx context.Context, item *knowledge.KnowledgeItem) *Result {
	if item == nil {
		res := v.Evaluate(ctx, nil)
		v.record(res)
		return res
	}

	res := v.settle(ctx, item)
	v.record(res)
	v.results.Add(item.ID, res)
	v.announce(ctx, item, res)
	return res
}

func (v *Validator) settle(ctx context.Context, item *knowledge.KnowledgeItem) *Result {
	lock := v.claimLock(textsim.ContentHash(item.Content))
	lock.Lock()
	defer lock.Unlock()

	res := v.Evaluate(ctx, item)
	if err := v.persist(ctx, item, res); err != nil {
		res.failed = true
		res.IsValid = false
		res.Issues = append(res.Issues, fmt.Sprintf("persist failed: %v", err))
		v.logger.Error(ctx, "persist validation outcome failed",
			zap.String("item.id", item.ID),
			zap.Error(err),
		)
	}
	if !res.IsDuplicate && !res.failed {
		v.hashes.Add(res.ContentHash, hashOwner{id: item.ID, createdAt: item.CreatedAt})
	}
	return res
}

func (v *Validator) persist(ctx context.Context, item *knowledge.KnowledgeItem, res *Result) error {
	updated := item.Clone()
	updated.ContentHash = res.ContentHash
	if res.failed {
		// Never judged, so it must not own the content like abandon.
		updated.ContentHash = ""
	}
	updated.Confidence = res.Confidence
	updated.ValidationIssues = append([]string(nil), res.Issues...)
	updated.UpdatedAt = res.ValidatedAt

	target := knowledge.StatusRejected
	if res.IsValid {
		target = knowledge.StatusValidated
		at := res.ValidatedAt
		updated.ValidatedAt = &at
	}
	if err := updated.Transition(target); err != nil {
		return err
	}
	updated.UpdatedAt = res.ValidatedAt

	return v.repo.SaveItem(ctx, updated)
}

func (v *Validator) record(res *Result) {
	v.mu.Lock()
	v.stats.Validated++
	if res.IsValid {
		v.stats.Approved++
	} else {
		v.stats.Rejected++
	}
	if res.IsDuplicate {
		v.stats.Duplicates++
	}
	if res.failed {
		v.stats.Errors++
	}
	v.stats.Conflicts += int64(len(res.Conflicts))
	v.mu.Unlock()

	switch {
	case res.failed:
		v.metrics.outcomes.WithLabelValues("error").Inc()
	case res.Harmful:
		v.metrics.outcomes.WithLabelValues("harmful").Inc()
	case res.IsDuplicate:
		v.metrics.outcomes.WithLabelValues("duplicate").Inc()
	case res.IsValid:
		v.metrics.outcomes.WithLabelValues("approved").Inc()
	default:
		v.metrics.outcomes.WithLabelValues("rejected").Inc()
	}
	v.metrics.confidence.Observe(res.Confidence)
}

func (v *Validator) announce(ctx context.Context, item *knowledge.KnowledgeItem, res *Result) {
	if res.IsValid {
		v.logger.Info(ctx, "knowledge validated",
			zap.String("item.id", item.ID),
			zap.Float64("confidence", res.Confidence),
			zap.Int("conflicts", len(res.Conflicts)),
		)
		_ = agent.Publish(ctx, v.runtime, TopicValidated, ValidatedEvent{
			ItemID:     item.ID,
			Title:      item.Title,
			Type:       item.Type,
			Confidence: res.Confidence,
			Conflicts:  len(res.Conflicts),
			At:         res.ValidatedAt,
		})
		return
	}

	v.logger.Info(ctx, "knowledge rejected",
		zap.String("item.id", item.ID),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("duplicate", res.IsDuplicate),
		zap.Bool("harmful", res.Harmful),
		zap.Strings("issues", res.Issues),
	)
	_ = agent.Publish(ctx, v.runtime, TopicRejected, RejectedEvent{
		ItemID:     item.ID,
		Title:      item.Title,
		Confidence: res.Confidence,
		Issues:     res.Issues,
		Duplicate:  res.IsDuplicate,
		OriginalID: res.OriginalID,
		Harmful:    res.Harmful,
		At:         res.ValidatedAt,
	})
}

// CachedResult returns the last result for an item while it is cached.
func (v *Validator) CachedResult(itemID string) (*Result, bool) {
	return v.results.Get(itemID)
}

// Stats returns a snapshot of the counters and cache sizes.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	s := v.stats
	v.mu.Unlock()
	s.HashCacheSize = v.hashes.Len()
	s.ResultCacheSize = v.results.Len()
	return s
}

// MaintenanceReport summarizes one revalidation pass.
type MaintenanceReport struct {
	Checked         int      `json:"checked"`
	Promoted        int      `json:"promoted"`
	HashCacheSize   int      `json:"hash_cache_size"`
	ResultCacheSize int      `json:"result_cache_size"`
	Errors          []string `json:"errors,omitempty"`
}

// Maintain re-validates a bounded batch of low-confidence validated items
// and keeps the new confidence when it is higher.
func (v *Validator) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	items, err := v.repo.ListItems(ctx, knowledge.ItemFilter{
		Statuses:        []knowledge.ItemStatus{knowledge.StatusValidated},
		ConfidenceBelow: v.cfg.RevalidateThreshold,
		Limit:           v.cfg.RevalidateBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("list revalidation candidates: %w", err)
	}

	report := &MaintenanceReport{}
	for _, item := range items {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		report.Checked++

		res := v.Evaluate(ctx, item)
		if res.failed || res.Confidence <= item.Confidence {
			continue
		}

		updated := item.Clone()
		updated.Confidence = res.Confidence
		updated.ValidationIssues = append([]string(nil), res.Issues...)
		updated.UpdatedAt = time.Now().UTC()
		if err := v.repo.SaveItem(ctx, updated); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("save %s: %v", item.ID, err))
			continue
		}
		report.Promoted++
		v.metrics.promoted.Inc()
		v.results.Add(item.ID, res)
	}

	report.HashCacheSize = v.hashes.Len()
	report.ResultCacheSize = v.results.Len()
	v.metrics.cacheEntries.WithLabelValues("hash").Set(float64(report.HashCacheSize))
	v.metrics.cacheEntries.WithLabelValues("result").Set(float64(report.ResultCacheSize))

	v.logger.Info(ctx, "revalidation complete",
		zap.Int("checked", report.Checked),
		zap.Int("promoted", report.Promoted),
		zap.Int("hash_cache", report.HashCacheSize),
		zap.Int("result_cache", report.ResultCacheSize),
	)
	return report, nil
}
