package agent

import (
	"fmt"
	"time"
)

const (
	degradedFailureRate = 0.5
	degradedQueueLength = 100
	scheduleStaleAfter  = time.Hour
	// scheduleGrace applies to schedules that fire less often than
	// scheduleStaleAfter.
	scheduleGrace       = 5 * time.Minute
)

// HealthStatus is the coarse health of an agent.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthDegraded HealthStatus = "degraded"
)

// Health is a status plus the reasons that produced it.
type Health struct {
	Status  HealthStatus `json:"status"`
	Reasons []string     `json:"reasons,omitempty"`
}

// Metrics counts task attempts. Every attempt is counted, including retries.
type Metrics struct {
	Executions        int64         `json:"executions"`
	Successes         int64         `json:"successes"`
	Failures          int64         `json:"failures"`
	Retries           int64         `json:"retries"`
	PermanentFailures int64         `json:"permanent_failures"`
	AvgLatency        time.Duration `json:"avg_latency"`
	LastExecution     time.Time     `json:"last_execution,omitempty"`
}

func (m *Metrics) record(ok bool, elapsed time.Duration, at time.Time) {
	m.Executions++
	if ok {
		m.Successes++
	} else {
		m.Failures++
	}
	if m.Executions == 1 {
		m.AvgLatency = elapsed
	} else {
		m.AvgLatency = time.Duration(latencyAlpha*float64(elapsed) + (1-latencyAlpha)*float64(m.AvgLatency))
	}
	m.LastExecution = at
}

// FailureRate is failures over completed attempts, 0 with no attempts.
func (m Metrics) FailureRate() float64 {
	if m.Executions == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Executions)
}

// Status is a read-only snapshot of a runtime.
type Status struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Health           Health    `json:"health"`
	QueueLength      int       `json:"queue_length"`
	InFlight         int       `json:"inflight"`
	Workload         float64   `json:"workload"`
	Metrics          Metrics   `json:"metrics"`
	Schedule         string    `json:"schedule,omitempty"`
	LastScheduledRun time.Time `json:"last_scheduled_run,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

type snapshot struct {
	state         State
	queue         int
	inflight      int
	stats         Metrics
	startedAt     time.Time
	lastScheduled time.Time
}

func (r *Runtime) snapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot{
		state:         r.state,
		queue:         len(r.queue),
		inflight:      r.inflight,
		stats:         r.stats,
		startedAt:     r.startedAt,
		lastScheduled: r.lastScheduled,
	}
}

// QueueLength returns the number of tasks waiting for a slot.
func (r *Runtime) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// InFlight returns the number of executing tasks.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Metrics returns a copy of the task counters.
func (r *Runtime) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Health derives the agent's health from its counters, queue and schedule.
func (r *Runtime) Health() Health {
	return r.health(r.snapshot())
}

func (r *Runtime) health(s snapshot) Health {
	h := Health{Status: HealthHealthy}

	if rate := s.stats.FailureRate(); rate > degradedFailureRate {
		h.Status = HealthDegraded
		h.Reasons = append(h.Reasons, fmt.Sprintf("failure rate %.0f%% above %.0f%%", rate*100, degradedFailureRate*100))
	}
	if s.queue > degradedQueueLength {
		h.Status = HealthDegraded
		h.Reasons = append(h.Reasons, fmt.Sprintf("queue length %d above %d", s.queue, degradedQueueLength))
	}

	if !r.schedule.IsZero() && s.state == StateActive {
		ref := s.lastScheduled
		if ref.IsZero() {
			ref = s.startedAt
		}
		deadline := ref.Add(scheduleStaleAfter)
		if due := r.schedule.Next(ref).Add(scheduleGrace); due.After(deadline) {
			deadline = due
		}
		if now := r.now(); now.After(deadline) {
			idle := now.Sub(ref)
			if h.Status == HealthHealthy {
				h.Status = HealthWarning
			}
			h.Reasons = append(h.Reasons, fmt.Sprintf("no scheduled run for %s", idle.Truncate(time.Minute)))
		}
	}
	return h
}

// Workload is (in-flight + queued) over total slot capacity, in [0,1].
func (r *Runtime) Workload() float64 {
	return r.workload(r.snapshot())
}

func (r *Runtime) workload(s snapshot) float64 {
	capacity := float64(r.maxConcurrency * r.slotCapacity)
	w := float64(s.inflight+s.queue) / capacity
	if w > 1 {
		return 1
	}
	return w
}

// Status returns a full snapshot for observers.
func (r *Runtime) Status() Status {
	s := r.snapshot()
	st := Status{
		Name:             r.name,
		State:            s.state,
		Health:           r.health(s),
		QueueLength:      s.queue,
		InFlight:         s.inflight,
		Workload:         r.workload(s),
		Metrics:          s.stats,
		LastScheduledRun: s.lastScheduled,
		StartedAt:        s.startedAt,
	}
	if !r.schedule.IsZero() {
		st.Schedule = r.schedule.String()
	}
	return st
}
