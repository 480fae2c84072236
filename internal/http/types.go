package http

import (
	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string                  `json:"status"`
	Agents map[string]agent.Health `json:"agents,omitempty"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Agents    []agent.Status          `json:"agents"`
	Counts    *ItemCounts             `json:"counts,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ItemCounts holds the number of stored items per status. -1 means the
// count could not be determined.
type ItemCounts struct {
	Pending   int `json:"pending"`
	Validated int `json:"validated"`
	Rejected  int `json:"rejected"`
	Outdated  int `json:"outdated"`
	Archived  int `json:"archived"`
}

// SubmitRequest is the request body for POST /api/v1/knowledge.
type SubmitRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	CategoryID string   `json:"category_id,omitempty"`
	SourceType string   `json:"source_type,omitempty"`
	SourceRef  string   `json:"source_ref,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (r SubmitRequest) item() *knowledge.KnowledgeItem {
	source := knowledge.SourceType(r.SourceType)
	if source == "" {
		source = knowledge.SourceUser
	}
	item := knowledge.NewKnowledgeItem(r.Title, r.Content, r.Type, source)
	item.CategoryID = r.CategoryID
	item.SourceRef = r.SourceRef
	item.Keywords = r.Keywords
	item.Tags = r.Tags
	return item
}

// SubmitResponse is the response body for POST /api/v1/knowledge.
type SubmitResponse struct {
	ItemID string `json:"item_id"`
	TaskID string `json:"task_id"`
}
